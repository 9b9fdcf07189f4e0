package onchain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/openperp/relay"
)

const defaultQuoteWindow = time.Minute

// Swap implements relay.SwapRouter over a UniswapV2-style router contract.
// The operator account must hold the input tokens and have approved the
// router contract for them. The swap executes at the quoted output exactly:
// anything less reverts, so the settlement layer never sees a shortfall it
// did not price in.
type Swap struct {
	client      *Client
	contract    common.Address
	quoteWindow time.Duration
}

func NewSwap(client *Client, contract common.Address) *Swap {
	return &Swap{client: client, contract: contract, quoteWindow: defaultQuoteWindow}
}

func (s *Swap) Swap(ctx context.Context, tokenIn common.Address, amountIn *big.Int, path []common.Address, recipient common.Address) (common.Address, *big.Int, error) {
	if amountIn == nil {
		amountIn = new(big.Int)
	}
	if len(path) == 0 {
		return tokenIn, new(big.Int).Set(amountIn), nil
	}
	if path[0] != tokenIn {
		return common.Address{}, nil, fmt.Errorf("swap path starts at %s, not %s", path[0].Hex(), tokenIn.Hex())
	}

	outputs, err := s.client.call(ctx, SwapRouterABI, s.contract, "getAmountsOut", amountIn, path)
	if err != nil {
		return common.Address{}, nil, err
	}
	if len(outputs) != 1 {
		return common.Address{}, nil, fmt.Errorf("getAmountsOut returned %d outputs", len(outputs))
	}
	amounts, ok := outputs[0].([]*big.Int)
	if !ok || len(amounts) == 0 {
		return common.Address{}, nil, fmt.Errorf("unexpected getAmountsOut output type %T", outputs[0])
	}
	expected := amounts[len(amounts)-1]

	deadline := big.NewInt(time.Now().Add(s.quoteWindow).Unix())
	if _, err := s.client.transact(ctx, SwapRouterABI, s.contract, "swapExactTokensForTokens",
		amountIn, expected, path, recipient, deadline); err != nil {
		return common.Address{}, nil, err
	}
	return path[len(path)-1], expected, nil
}

var _ relay.SwapRouter = (*Swap)(nil)
