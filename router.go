package relay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Config wires a Router's collaborators. Ledger, Swap, FeeConfig, Engine and
// the two stores are required; Oracle, State and Now are optional.
type Config struct {
	// ChainID and Address fix the EIP-712 signing domain. Address is also
	// the permit spender and the holding account for pulled fees.
	ChainID uint64
	Address common.Address

	Ledger    TokenLedger
	Swap      SwapRouter
	FeeConfig FeeConfig
	Engine    OrderEngine

	// Oracle, when set, wraps request execution in a primed price context
	// whenever the request carries oracle params.
	Oracle PriceOracle

	Nonces      NonceStore
	Delegations DelegationStore

	// State, when set, makes each request atomic: a snapshot is taken on
	// entry and reverted on any failure.
	State State

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Router executes relay requests: it verifies authorization, consumes
// replay-protection and delegation state, settles the relay fee and
// dispatches the action. One Router serves one signing domain.
type Router struct {
	cfg        Config
	now        func() time.Time
	guard      *NonceGuard
	authority  *SubaccountAuthority
	settlement *FeeSettlement
	dispatcher *ActionDispatcher

	// busy is the reentrancy flag: taken for the whole request path, so a
	// collaborator that calls back into the router is rejected instead of
	// re-running validation mid-request. Callers wanting concurrency
	// serialize above the router.
	busy atomic.Bool
}

func NewRouter(cfg Config) (*Router, error) {
	if cfg.ChainID == 0 {
		return nil, errors.New("chain id is required")
	}
	if cfg.Address == (common.Address{}) {
		return nil, errors.New("router address is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("token ledger is required")
	}
	if cfg.Swap == nil {
		return nil, errors.New("swap router is required")
	}
	if cfg.FeeConfig == nil {
		return nil, errors.New("fee config is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("order engine is required")
	}
	if cfg.Nonces == nil {
		return nil, errors.New("nonce store is required")
	}
	if cfg.Delegations == nil {
		return nil, errors.New("delegation store is required")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	guard := NewNonceGuard(cfg.Nonces)
	return &Router{
		cfg:        cfg,
		now:        now,
		guard:      guard,
		authority:  NewSubaccountAuthority(cfg.Delegations, guard, cfg.ChainID, cfg.Address, now),
		settlement: NewFeeSettlement(cfg.Ledger, cfg.Swap, cfg.FeeConfig, cfg.Address),
		dispatcher: NewActionDispatcher(cfg.Engine),
	}, nil
}

// ChainID returns the chain the router's signing domain is bound to.
func (r *Router) ChainID() uint64 { return r.cfg.ChainID }

// Address returns the router's own address within the signing domain.
func (r *Router) Address() common.Address { return r.cfg.Address }

// Execute processes one relay request end to end. Either every step commits
// or, when a State is configured, every state change unwinds; in both cases
// the caller gets the specific failure and must resubmit a corrected request
// rather than retry this one.
func (r *Router) Execute(ctx context.Context, rctx *RelayContext, req *RelayRequest) (*ExecuteResult, error) {
	if !r.busy.CompareAndSwap(false, true) {
		return nil, NewError(ErrReentrantCall, "router is already executing a request")
	}
	defer r.busy.Store(false)

	if err := r.validateRequest(req); err != nil {
		return nil, err
	}
	if rctx == nil {
		rctx = &RelayContext{}
	}

	var result *ExecuteResult
	err := r.transact(func() error {
		return r.withPrices(ctx, req.OracleParams, func(ctx context.Context) error {
			res, err := r.execute(ctx, rctx, req)
			if err != nil {
				return err
			}
			result = res
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Router) execute(ctx context.Context, rctx *RelayContext, req *RelayRequest) (*ExecuteResult, error) {
	if now := uint64(r.now().Unix()); req.Deadline != 0 && now > req.Deadline {
		return nil, Errorf(ErrDeadlinePassed, "request deadline %d passed at %d", req.Deadline, now)
	}

	digest, err := ActionDigest(r.cfg.ChainID, r.cfg.Address, req)
	if err != nil {
		return nil, err
	}

	// The acting signer: the subaccount for delegated requests, the
	// principal otherwise. Fees are always funded by the principal.
	signer := req.Account
	if req.Delegated() {
		signer = req.Subaccount
	}
	if err := r.resolveSender(ctx, rctx, digest, req.Signature, signer); err != nil {
		return nil, err
	}

	if err := r.guard.ConsumeAction(ctx, req.Account, req.UserNonce); err != nil {
		return nil, err
	}

	if req.Delegated() {
		if err := r.authority.ProcessApproval(ctx, req.Account, req.Subaccount, req.Approval); err != nil {
			return nil, err
		}
		if err := r.authority.AuthorizeAndConsume(ctx, req.Account, req.Subaccount, req.Action.RequiredActionType()); err != nil {
			return nil, err
		}
	}

	if err := r.settlement.ProcessPermits(ctx, req.TokenPermits); err != nil {
		return nil, err
	}
	vault, err := r.cfg.FeeConfig.ExecutionVault(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read execution vault: %w", err)
	}
	residual, err := r.settlement.Settle(ctx, rctx, req.Account, req.FeeParams, vault)
	if err != nil {
		return nil, err
	}

	key, err := r.dispatcher.Dispatch(ctx, req.Account, &req.Action, residual)
	if err != nil {
		return nil, err
	}
	return &ExecuteResult{OrderKey: key, ResidualFee: (*hexutil.Big)(residual)}, nil
}

// ExecuteRemoveSubaccount processes a relayed revocation: the principal signs
// it, pays the relay fee, and the delegation is removed after settlement.
func (r *Router) ExecuteRemoveSubaccount(ctx context.Context, rctx *RelayContext, req *RemoveSubaccountRequest) (*ExecuteResult, error) {
	if !r.busy.CompareAndSwap(false, true) {
		return nil, NewError(ErrReentrantCall, "router is already executing a request")
	}
	defer r.busy.Store(false)

	if err := r.validateRemoveRequest(req); err != nil {
		return nil, err
	}
	if rctx == nil {
		rctx = &RelayContext{}
	}

	var result *ExecuteResult
	err := r.transact(func() error {
		return r.withPrices(ctx, req.OracleParams, func(ctx context.Context) error {
			res, err := r.executeRemove(ctx, rctx, req)
			if err != nil {
				return err
			}
			result = res
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Router) executeRemove(ctx context.Context, rctx *RelayContext, req *RemoveSubaccountRequest) (*ExecuteResult, error) {
	if now := uint64(r.now().Unix()); req.Deadline != 0 && now > req.Deadline {
		return nil, Errorf(ErrDeadlinePassed, "request deadline %d passed at %d", req.Deadline, now)
	}

	digest, err := RemoveSubaccountDigest(r.cfg.ChainID, r.cfg.Address, req)
	if err != nil {
		return nil, err
	}
	if err := r.resolveSender(ctx, rctx, digest, req.Signature, req.Account); err != nil {
		return nil, err
	}

	if err := r.guard.ConsumeAction(ctx, req.Account, req.UserNonce); err != nil {
		return nil, err
	}

	if err := r.settlement.ProcessPermits(ctx, req.TokenPermits); err != nil {
		return nil, err
	}
	vault, err := r.cfg.FeeConfig.ExecutionVault(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read execution vault: %w", err)
	}
	residual, err := r.settlement.Settle(ctx, rctx, req.Account, req.FeeParams, vault)
	if err != nil {
		return nil, err
	}

	if err := r.authority.Revoke(ctx, req.Account, req.Subaccount); err != nil {
		return nil, err
	}
	return &ExecuteResult{ResidualFee: (*hexutil.Big)(residual)}, nil
}

// Nonces reports the next expected action and approval nonces for account.
func (r *Router) Nonces(ctx context.Context, account common.Address) (action, approval uint64, err error) {
	action, err = r.guard.Peek(ctx, NamespaceAction, account)
	if err != nil {
		return 0, 0, err
	}
	approval, err = r.guard.Peek(ctx, NamespaceApproval, account)
	if err != nil {
		return 0, 0, err
	}
	return action, approval, nil
}

// DelegationState reports the lifecycle state and stored bounds of a
// delegation without consuming anything.
func (r *Router) DelegationState(ctx context.Context, account, subaccount common.Address, action ActionType) (DelegationState, Delegation, error) {
	return r.authority.State(ctx, account, subaccount, action)
}

// RevokeSubaccount removes a delegation outside the relayed path, for hosts
// that authenticate the principal themselves. No fee is settled.
func (r *Router) RevokeSubaccount(ctx context.Context, account, subaccount common.Address) error {
	if !r.busy.CompareAndSwap(false, true) {
		return NewError(ErrReentrantCall, "router is already executing a request")
	}
	defer r.busy.Store(false)

	return r.transact(func() error {
		return r.authority.Revoke(ctx, account, subaccount)
	})
}

func (r *Router) validateRequest(req *RelayRequest) error {
	if req == nil {
		return NewError(ErrInvalidRequest, "request is required")
	}
	if req.Account == (common.Address{}) {
		return NewError(ErrInvalidRequest, "account is required")
	}
	if req.ChainID != r.cfg.ChainID {
		// A mismatched chain id can never verify under this router's
		// signing domain.
		return errSignatureInvalid
	}
	if req.Approval != nil && len(req.Approval.Signature) > 0 && !req.Delegated() {
		return NewError(ErrInvalidRequest, "subaccount approval requires a subaccount")
	}
	return req.Action.Validate()
}

func (r *Router) validateRemoveRequest(req *RemoveSubaccountRequest) error {
	if req == nil {
		return NewError(ErrInvalidRequest, "request is required")
	}
	if req.Account == (common.Address{}) {
		return NewError(ErrInvalidRequest, "account is required")
	}
	if req.Subaccount == (common.Address{}) {
		return NewError(ErrInvalidRequest, "subaccount is required")
	}
	if req.ChainID != r.cfg.ChainID {
		return errSignatureInvalid
	}
	return nil
}

func (r *Router) resolveSender(ctx context.Context, rctx *RelayContext, digest common.Hash, signature []byte, expected common.Address) error {
	resolver := rctx.Resolver
	if resolver == nil {
		resolver = SignatureResolver{}
	}
	return resolver.Authorize(ctx, digest, signature, expected)
}

// transact runs fn inside the host transaction boundary when one is
// configured, reverting every state change fn made if it fails.
func (r *Router) transact(fn func() error) error {
	if r.cfg.State == nil {
		return fn()
	}
	snapshot := r.cfg.State.Snapshot()
	if err := fn(); err != nil {
		r.cfg.State.RevertToSnapshot(snapshot)
		return err
	}
	return nil
}

func (r *Router) withPrices(ctx context.Context, params hexutil.Bytes, fn func(context.Context) error) error {
	if r.cfg.Oracle == nil || len(params) == 0 {
		return fn(ctx)
	}
	return r.cfg.Oracle.WithPrices(ctx, params, fn)
}
