package onchain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/openperp/relay"
)

// Ledger implements relay.TokenLedger over ERC-20 contracts. The client's
// operator account is the implicit spender: it must be the router address
// the relay.Router is configured with, since payers grant allowances to it.
type Ledger struct {
	client *Client
}

func NewLedger(client *Client) *Ledger {
	return &Ledger{client: client}
}

// TransferFrom moves amount of token from owner to recipient. The operator's
// own funds move by transfer, anyone else's by transferFrom against the
// allowance they granted the operator.
func (l *Ledger) TransferFrom(ctx context.Context, token, owner, recipient common.Address, amount *big.Int) error {
	if amount == nil {
		amount = new(big.Int)
	}
	var err error
	if owner == l.client.Sender() {
		_, err = l.client.transact(ctx, ERC20TransferABI, token, "transfer", recipient, amount)
	} else {
		_, err = l.client.transact(ctx, ERC20TransferFromABI, token, "transferFrom", owner, recipient, amount)
	}
	return err
}

func (l *Ledger) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	outputs, err := l.client.call(ctx, ERC20AllowanceABI, token, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	if len(outputs) != 1 {
		return nil, fmt.Errorf("allowance returned %d outputs", len(outputs))
	}
	amount, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected allowance output type %T", outputs[0])
	}
	return amount, nil
}

// Permit applies an ERC-2612 allowance grant on the permit's token contract.
func (l *Ledger) Permit(ctx context.Context, permit relay.TokenPermit) error {
	var value *big.Int
	if permit.Value != nil {
		value = (*big.Int)(permit.Value)
	} else {
		value = new(big.Int)
	}
	_, err := l.client.transact(ctx, ERC2612PermitABI, permit.Token, "permit",
		permit.Owner,
		permit.Spender,
		value,
		new(big.Int).SetUint64(permit.Deadline),
		permit.V,
		permit.R,
		permit.S,
	)
	return err
}

var _ relay.TokenLedger = (*Ledger)(nil)
