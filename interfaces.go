package relay

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TokenLedger moves token balances on the router's behalf. The router is the
// implicit spender: implementations enforce the router's allowance when the
// owner is a third party and let the router move its own held funds freely.
type TokenLedger interface {
	// TransferFrom moves amount of token from owner to recipient.
	TransferFrom(ctx context.Context, token, owner, recipient common.Address, amount *big.Int) error

	// Allowance reports how much the spender may currently move from owner.
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)

	// Permit applies a one-shot signed allowance grant.
	Permit(ctx context.Context, permit TokenPermit) error
}

// SwapRouter converts tokens along a path. Swap sells amountIn of tokenIn
// held by recipient and credits the output back to recipient, returning the
// output token and amount. The settlement layer checks the output token; the
// swap itself makes no promise about it.
type SwapRouter interface {
	Swap(ctx context.Context, tokenIn common.Address, amountIn *big.Int, path []common.Address, recipient common.Address) (common.Address, *big.Int, error)
}

// FeeConfig is the shared protocol fee configuration.
type FeeConfig interface {
	// DesignatedFeeToken is the only token relay fees settle in.
	DesignatedFeeToken(ctx context.Context) (common.Address, error)

	// BaseFee is the protocol default flat operator fee, used when the relay
	// context does not declare one.
	BaseFee(ctx context.Context) (*big.Int, error)

	// ExecutionVault receives settlement residuals.
	ExecutionVault(ctx context.Context) (common.Address, error)
}

// OrderEngine is the external action-handling collaborator. It owns order
// books and position math; by the time it is called every authorization
// invariant has already been enforced.
type OrderEngine interface {
	// CreateOrder opens a new order for account and returns its key.
	CreateOrder(ctx context.Context, account common.Address, params *CreateOrderParams) (common.Hash, error)

	// UpdateOrder adjusts an existing order owned by account.
	UpdateOrder(ctx context.Context, account common.Address, key common.Hash, params *UpdateOrderParams) error

	// CancelOrder cancels an existing order owned by account.
	CancelOrder(ctx context.Context, account common.Address, key common.Hash) error
}

// PriceOracle primes a price context for the duration of fn. Requests that
// carry oracle params run the whole pipeline inside WithPrices.
type PriceOracle interface {
	WithPrices(ctx context.Context, params []byte, fn func(context.Context) error) error
}

// NonceStore persists the two replay-protection namespaces. The
// compare-and-increment is a single atomic operation so concurrent requests
// against the same account cannot both consume one value.
type NonceStore interface {
	// PeekNonce returns the next expected nonce for account in ns.
	PeekNonce(ctx context.Context, ns Namespace, account common.Address) (uint64, error)

	// ConsumeNonce advances the counter iff the stored value equals
	// provided, reporting whether it matched.
	ConsumeNonce(ctx context.Context, ns Namespace, account common.Address, provided uint64) (bool, error)
}

// DelegationStore persists subaccount allow-lists and per-action bounds.
// The allow-list is keyed by (account, subaccount); bounds are keyed by
// (account, subaccount, actionType).
type DelegationStore interface {
	// Allowed reports whether subaccount is on account's allow-list.
	Allowed(ctx context.Context, account, subaccount common.Address) (bool, error)

	// SetAllowed registers subaccount on account's allow-list.
	SetAllowed(ctx context.Context, account, subaccount common.Address) error

	// Delegation loads the bounds for a key, reporting whether a record
	// exists. A missing record reads as the zero Delegation.
	Delegation(ctx context.Context, account, subaccount common.Address, action ActionType) (Delegation, bool, error)

	// PutDelegation stores the bounds for a key.
	PutDelegation(ctx context.Context, account, subaccount common.Address, action ActionType, d Delegation) error

	// IncrementUse bumps CurrentCount for a key as one atomic
	// read-modify-write, creating the record if absent.
	IncrementUse(ctx context.Context, account, subaccount common.Address, action ActionType) error

	// RemoveSubaccount drops the allow-list entry and every delegation
	// record for the pair.
	RemoveSubaccount(ctx context.Context, account, subaccount common.Address) error
}

// State exposes the host transaction boundary. When a Router is configured
// with one, every request runs between Snapshot and either an implicit
// commit or RevertToSnapshot, so nonce increments, delegation counters and
// fee transfers land or unwind together.
type State interface {
	Snapshot() int
	RevertToSnapshot(snapshot int)
}

// SenderResolver authorizes the submitting party of a request against the
// expected signer. It is the pluggable sender-resolution strategy: signature
// recovery by default, trusted-forwarder extraction for transports that
// authenticate senders themselves.
type SenderResolver interface {
	Authorize(ctx context.Context, digest common.Hash, signature []byte, expected common.Address) error
}
