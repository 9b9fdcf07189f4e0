package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SubaccountAuthority manages delegation records: the per-(account,
// subaccount) allow-list plus per-(account, subaccount, actionType) bounds.
// A delegation becomes usable only through a validated SubaccountApproval
// and is spent on every authorized use, whether or not the downstream action
// succeeds.
type SubaccountAuthority struct {
	store   DelegationStore
	nonces  *NonceGuard
	chainID uint64
	router  common.Address
	now     func() time.Time
}

// NewSubaccountAuthority builds an authority verifying approvals under the
// signing domain of the given chain and router address. A nil now defaults
// to time.Now.
func NewSubaccountAuthority(store DelegationStore, nonces *NonceGuard, chainID uint64, router common.Address, now func() time.Time) *SubaccountAuthority {
	if now == nil {
		now = time.Now
	}
	return &SubaccountAuthority{store: store, nonces: nonces, chainID: chainID, router: router, now: now}
}

// ProcessApproval validates a signed approval from account and applies it to
// the delegation keyed by subaccount (the address performing the action).
// A nil approval or one with an empty signature is a no-op: the caller
// intends to reuse an existing delegation.
//
// Validation order is fixed: deadline, then approval nonce, then signature.
// The approval's own subaccount field, when non-zero, must match the acting
// subaccount and registers it on the account's allow-list. Non-zero bounds
// fields overwrite the stored bounds; zero fields leave them untouched.
func (a *SubaccountAuthority) ProcessApproval(ctx context.Context, account, subaccount common.Address, approval *SubaccountApproval) error {
	if approval == nil || len(approval.Signature) == 0 {
		return nil
	}

	now := uint64(a.now().Unix())
	if approval.Deadline != 0 && now > approval.Deadline {
		return Errorf(ErrDeadlinePassed, "approval deadline %d passed at %d", approval.Deadline, now)
	}

	if err := a.nonces.ConsumeApproval(ctx, account, approval.Nonce); err != nil {
		return err
	}

	digest, err := ApprovalDigest(a.chainID, a.router, approval)
	if err != nil {
		return err
	}
	if err := VerifySignature(digest, approval.Signature, account); err != nil {
		return err
	}

	if approval.Subaccount != (common.Address{}) && approval.Subaccount != subaccount {
		return Errorf(ErrInvalidSubaccount, "approval subaccount %s does not match acting subaccount %s", approval.Subaccount.Hex(), subaccount.Hex())
	}

	d, _, err := a.store.Delegation(ctx, account, subaccount, approval.ActionType)
	if err != nil {
		return fmt.Errorf("failed to load delegation: %w", err)
	}
	if approval.MaxAllowedCount > 0 {
		d.MaxAllowedCount = approval.MaxAllowedCount
	}
	if approval.ExpiresAt > 0 {
		d.ExpiresAt = approval.ExpiresAt
	}
	if err := a.store.PutDelegation(ctx, account, subaccount, approval.ActionType, d); err != nil {
		return fmt.Errorf("failed to store delegation: %w", err)
	}

	if approval.Subaccount != (common.Address{}) {
		if err := a.store.SetAllowed(ctx, account, subaccount); err != nil {
			return fmt.Errorf("failed to register subaccount: %w", err)
		}
	}
	return nil
}

// AuthorizeAndConsume checks that subaccount currently holds a usable
// delegation from account for action and spends one use. The use is spent by
// authorization itself, not by the action's eventual success.
func (a *SubaccountAuthority) AuthorizeAndConsume(ctx context.Context, account, subaccount common.Address, action ActionType) error {
	allowed, err := a.store.Allowed(ctx, account, subaccount)
	if err != nil {
		return fmt.Errorf("failed to read allow-list: %w", err)
	}
	if !allowed {
		return Errorf(ErrSubaccountNotApproved, "subaccount %s is not approved for %s", subaccount.Hex(), account.Hex())
	}

	d, found, err := a.store.Delegation(ctx, account, subaccount, action)
	if err != nil {
		return fmt.Errorf("failed to load delegation: %w", err)
	}
	if !found {
		return Errorf(ErrSubaccountNotApproved, "subaccount %s has no %s delegation from %s", subaccount.Hex(), action, account.Hex())
	}

	if now := uint64(a.now().Unix()); d.ExpiresAt != 0 && now > d.ExpiresAt {
		return Errorf(ErrSubaccountExpired, "delegation expired at %d, now %d", d.ExpiresAt, now)
	}
	if d.MaxAllowedCount != 0 && d.CurrentCount >= d.MaxAllowedCount {
		return Errorf(ErrSubaccountLimitExceeded, "delegation used %d of %d allowed actions", d.CurrentCount, d.MaxAllowedCount)
	}

	if err := a.store.IncrementUse(ctx, account, subaccount, action); err != nil {
		return fmt.Errorf("failed to consume delegation use: %w", err)
	}
	return nil
}

// Revoke removes subaccount from account's allow-list and drops every
// delegation record for the pair. A later validated approval may re-register
// it.
func (a *SubaccountAuthority) Revoke(ctx context.Context, account, subaccount common.Address) error {
	if err := a.store.RemoveSubaccount(ctx, account, subaccount); err != nil {
		return fmt.Errorf("failed to remove subaccount: %w", err)
	}
	return nil
}

// State reports the delegation's lifecycle state alongside its stored
// bounds, for introspection endpoints and operators deciding whether a
// request needs a fresh approval.
func (a *SubaccountAuthority) State(ctx context.Context, account, subaccount common.Address, action ActionType) (DelegationState, Delegation, error) {
	allowed, err := a.store.Allowed(ctx, account, subaccount)
	if err != nil {
		return DelegationUnset, Delegation{}, fmt.Errorf("failed to read allow-list: %w", err)
	}
	d, found, err := a.store.Delegation(ctx, account, subaccount, action)
	if err != nil {
		return DelegationUnset, Delegation{}, fmt.Errorf("failed to load delegation: %w", err)
	}
	if !allowed || !found {
		return DelegationUnset, Delegation{}, nil
	}
	if now := uint64(a.now().Unix()); d.ExpiresAt != 0 && now > d.ExpiresAt {
		return DelegationExpired, d, nil
	}
	if d.MaxAllowedCount != 0 && d.CurrentCount >= d.MaxAllowedCount {
		return DelegationLimitExhausted, d, nil
	}
	return DelegationActive, d, nil
}
