package relay

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// FeeSettlement converts a request's fee funding into the protocol's
// designated fee token and distributes it: base fee to the relay operator,
// residual to the execution side. All transfers run inside the request's
// transaction boundary, so a failure at any step leaves none of them visible.
type FeeSettlement struct {
	ledger TokenLedger
	swap   SwapRouter
	config FeeConfig
	router common.Address
}

// NewFeeSettlement builds a settlement pipeline holding pulled fees at the
// router address.
func NewFeeSettlement(ledger TokenLedger, swap SwapRouter, config FeeConfig, router common.Address) *FeeSettlement {
	return &FeeSettlement{ledger: ledger, swap: swap, config: config, router: router}
}

// ProcessPermits applies a request's one-shot allowance grants. Every permit
// must name the router as spender. A permit whose allowance is already
// sufficient is skipped rather than re-applied; any other permit failure
// aborts the request.
func (s *FeeSettlement) ProcessPermits(ctx context.Context, permits []TokenPermit) error {
	for _, permit := range permits {
		if permit.Spender != s.router {
			return Errorf(ErrInvalidPermitSpender, "permit spender %s is not the router %s", permit.Spender.Hex(), s.router.Hex())
		}

		allowance, err := s.ledger.Allowance(ctx, permit.Token, permit.Owner, s.router)
		if err != nil {
			return fmt.Errorf("failed to read allowance: %w", err)
		}
		if allowance.Cmp(bigOrZero(permit.Value)) >= 0 {
			continue
		}

		if err := s.ledger.Permit(ctx, permit); err != nil {
			return fmt.Errorf("failed to apply token permit: %w", err)
		}
	}
	return nil
}

// Settle runs the fee pipeline in strict order: validate the designated fee
// token against the operator's expectation, pull the fee from the payer,
// swap it to the designated token unless it already is, deduct the base fee,
// then pay the operator and forward the residual to residualReceiver. It
// returns the residual amount.
func (s *FeeSettlement) Settle(ctx context.Context, rctx *RelayContext, payer common.Address, fee FeeParams, residualReceiver common.Address) (*big.Int, error) {
	designated, err := s.config.DesignatedFeeToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read designated fee token: %w", err)
	}
	if rctx.FeeToken != (common.Address{}) && rctx.FeeToken != designated {
		return nil, Errorf(ErrInvalidFeeToken, "designated fee token %s does not match expected %s", designated.Hex(), rctx.FeeToken.Hex())
	}

	amount := bigOrZero(fee.FeeAmount)
	if err := s.ledger.TransferFrom(ctx, fee.FeeToken, payer, s.router, amount); err != nil {
		return nil, fmt.Errorf("failed to pull relay fee: %w", err)
	}

	outToken, outAmount := fee.FeeToken, amount
	if fee.FeeToken != designated {
		outToken, outAmount, err = s.swap.Swap(ctx, fee.FeeToken, amount, fee.FeeSwapPath, s.router)
		if err != nil {
			return nil, fmt.Errorf("failed to swap relay fee: %w", err)
		}
		if outToken != designated {
			return nil, Errorf(ErrInvalidSwapOutputToken, "swap output token %s is not the designated fee token %s", outToken.Hex(), designated.Hex())
		}
	}

	base := rctx.BaseFee
	if base == nil {
		base, err = s.config.BaseFee(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read base fee: %w", err)
		}
	}
	if outAmount.Cmp(base) < 0 {
		return nil, Errorf(ErrInsufficientResidualFee, "fee output %s is less than base fee %s", outAmount, base)
	}

	if base.Sign() > 0 {
		if err := s.ledger.TransferFrom(ctx, designated, s.router, rctx.Operator, base); err != nil {
			return nil, fmt.Errorf("failed to pay operator fee: %w", err)
		}
	}
	residual := new(big.Int).Sub(outAmount, base)
	if residual.Sign() > 0 {
		if err := s.ledger.TransferFrom(ctx, designated, s.router, residualReceiver, residual); err != nil {
			return nil, fmt.Errorf("failed to forward residual fee: %w", err)
		}
	}
	return residual, nil
}
