package relay

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// NonceGuard enforces exact-match nonce consumption over the two independent
// namespaces: action nonces (spent by relay requests) and approval nonces
// (spent by subaccount approvals). Both are keyed by the principal account.
type NonceGuard struct {
	store NonceStore
}

func NewNonceGuard(store NonceStore) *NonceGuard {
	return &NonceGuard{store: store}
}

// ConsumeAction spends the account's current action nonce. The provided value
// must equal the stored value exactly; on success the stored value advances
// by one, so a given nonce is accepted at most once.
func (g *NonceGuard) ConsumeAction(ctx context.Context, account common.Address, provided uint64) error {
	return g.consume(ctx, NamespaceAction, account, provided)
}

// ConsumeApproval spends the account's current approval nonce.
func (g *NonceGuard) ConsumeApproval(ctx context.Context, account common.Address, provided uint64) error {
	return g.consume(ctx, NamespaceApproval, account, provided)
}

func (g *NonceGuard) consume(ctx context.Context, ns Namespace, account common.Address, provided uint64) error {
	ok, err := g.store.ConsumeNonce(ctx, ns, account, provided)
	if err != nil {
		return fmt.Errorf("failed to consume %s nonce: %w", ns, err)
	}
	if !ok {
		return Errorf(ErrNonceMismatch, "%s nonce %d does not match for %s", ns, provided, account.Hex())
	}
	return nil
}

// Peek reports the next acceptable nonce in a namespace without spending it.
func (g *NonceGuard) Peek(ctx context.Context, ns Namespace, account common.Address) (uint64, error) {
	return g.store.PeekNonce(ctx, ns, account)
}
