package relay

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ActionDispatcher forwards fully authorized actions to the order engine. It
// holds no authorization logic: by the time Dispatch runs, signature, nonce,
// delegation and fee invariants have all been enforced.
type ActionDispatcher struct {
	engine OrderEngine
}

func NewActionDispatcher(engine OrderEngine) *ActionDispatcher {
	return &ActionDispatcher{engine: engine}
}

// Dispatch routes the payload by kind. For creates the settlement residual
// funds the order's execution fee, overwriting whatever the request carried
// there. The returned key identifies the new order for creates and echoes
// the request's key otherwise.
func (d *ActionDispatcher) Dispatch(ctx context.Context, account common.Address, payload *ActionPayload, residualFee *big.Int) (common.Hash, error) {
	if residualFee == nil {
		residualFee = new(big.Int)
	}

	switch payload.Kind {
	case ActionCreateOrder:
		params := *payload.Create
		params.ExecutionFee = (*hexutil.Big)(new(big.Int).Set(residualFee))
		key, err := d.engine.CreateOrder(ctx, account, &params)
		if err != nil {
			return common.Hash{}, fmt.Errorf("failed to create order: %w", err)
		}
		return key, nil
	case ActionUpdateOrder:
		if err := d.engine.UpdateOrder(ctx, account, payload.Key, payload.Update); err != nil {
			return common.Hash{}, fmt.Errorf("failed to update order: %w", err)
		}
		return payload.Key, nil
	case ActionCancelOrder:
		if err := d.engine.CancelOrder(ctx, account, payload.Key); err != nil {
			return common.Hash{}, fmt.Errorf("failed to cancel order: %w", err)
		}
		return payload.Key, nil
	default:
		return common.Hash{}, Errorf(ErrInvalidRequest, "unknown action kind %q", payload.Kind)
	}
}
