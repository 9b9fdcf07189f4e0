package relay

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ActionKind tags the payload variant carried by a relay request.
type ActionKind string

const (
	ActionCreateOrder ActionKind = "create_order"
	ActionUpdateOrder ActionKind = "update_order"
	ActionCancelOrder ActionKind = "cancel_order"
)

// ActionType scopes a subaccount delegation. Order creation, update and
// cancellation all consume the "order" scope.
type ActionType string

// ActionTypeOrder covers every order action.
const ActionTypeOrder ActionType = "order"

// Namespace selects one of the two independent replay-protection counters
// kept per account.
type Namespace string

const (
	// NamespaceAction is consumed once per relayed request.
	NamespaceAction Namespace = "action"
	// NamespaceApproval is consumed once per signed subaccount approval.
	NamespaceApproval Namespace = "approval"
)

// OrderType mirrors the order engine's classification; hashed as uint8.
type OrderType uint8

const (
	OrderTypeMarketIncrease OrderType = iota
	OrderTypeLimitIncrease
	OrderTypeMarketDecrease
	OrderTypeLimitDecrease
	OrderTypeStopLossDecrease
)

// CreateOrderParams is the create_order payload forwarded to the order
// engine. ExecutionFee is not part of the signed message: the router
// overwrites it with the settlement residual before dispatch.
type CreateOrderParams struct {
	Market           common.Address `json:"market"`
	CollateralToken  common.Address `json:"collateralToken"`
	CollateralAmount *hexutil.Big   `json:"collateralAmount,omitempty"`
	SizeDeltaUSD     *hexutil.Big   `json:"sizeDeltaUsd,omitempty"`
	TriggerPrice     *hexutil.Big   `json:"triggerPrice,omitempty"`
	AcceptablePrice  *hexutil.Big   `json:"acceptablePrice,omitempty"`
	OrderType        OrderType      `json:"orderType"`
	IsLong           bool           `json:"isLong"`
	Receiver         common.Address `json:"receiver"`
	ValidFromTime    uint64         `json:"validFromTime"`
	ExecutionFee     *hexutil.Big   `json:"executionFee,omitempty"`
}

// UpdateOrderParams is the update_order payload forwarded to the order
// engine for an existing order key.
type UpdateOrderParams struct {
	SizeDeltaUSD    *hexutil.Big `json:"sizeDeltaUsd,omitempty"`
	AcceptablePrice *hexutil.Big `json:"acceptablePrice,omitempty"`
	TriggerPrice    *hexutil.Big `json:"triggerPrice,omitempty"`
	MinOutputAmount *hexutil.Big `json:"minOutputAmount,omitempty"`
	ValidFromTime   uint64       `json:"validFromTime"`
	AutoCancel      bool         `json:"autoCancel"`
}

// ActionPayload is the tagged action variant of a relay request. Exactly one
// of Create/Update is set according to Kind; Key targets an existing order
// for update_order and cancel_order.
type ActionPayload struct {
	Kind   ActionKind         `json:"kind"`
	Create *CreateOrderParams `json:"create,omitempty"`
	Update *UpdateOrderParams `json:"update,omitempty"`
	Key    common.Hash        `json:"key,omitempty"`
}

// RequiredActionType returns the delegation scope a subaccount needs to
// perform this payload.
func (p *ActionPayload) RequiredActionType() ActionType {
	return ActionTypeOrder
}

// Validate checks the variant shape. It runs before any signature work, so
// a malformed payload never reaches the cryptographic path.
func (p *ActionPayload) Validate() error {
	switch p.Kind {
	case ActionCreateOrder:
		if p.Create == nil {
			return NewError(ErrInvalidRequest, "create_order payload is missing create params")
		}
		if p.Update != nil || p.Key != (common.Hash{}) {
			return NewError(ErrInvalidRequest, "create_order payload carries update fields")
		}
	case ActionUpdateOrder:
		if p.Update == nil {
			return NewError(ErrInvalidRequest, "update_order payload is missing update params")
		}
		if p.Create != nil {
			return NewError(ErrInvalidRequest, "update_order payload carries create params")
		}
		if p.Key == (common.Hash{}) {
			return NewError(ErrInvalidRequest, "update_order payload is missing the order key")
		}
	case ActionCancelOrder:
		if p.Create != nil || p.Update != nil {
			return NewError(ErrInvalidRequest, "cancel_order payload carries order params")
		}
		if p.Key == (common.Hash{}) {
			return NewError(ErrInvalidRequest, "cancel_order payload is missing the order key")
		}
	default:
		return Errorf(ErrInvalidRequest, "unknown action kind %q", p.Kind)
	}
	return nil
}

// TokenPermit is a one-shot signed allowance grant consumed by the token
// ledger. The relay core validates only the spender; everything else is the
// ledger's concern.
type TokenPermit struct {
	Owner    common.Address `json:"owner"`
	Spender  common.Address `json:"spender"`
	Value    *hexutil.Big   `json:"value,omitempty"`
	Deadline uint64         `json:"deadline"`
	V        uint8          `json:"v"`
	R        common.Hash    `json:"r"`
	S        common.Hash    `json:"s"`
	Token    common.Address `json:"token"`
}

// FeeParams describes how the relay fee is funded: the token the payer
// provides, the amount pulled, and the swap path to the designated fee
// token. The path is empty when FeeToken already is the designated token.
type FeeParams struct {
	FeeToken    common.Address   `json:"feeToken"`
	FeeAmount   *hexutil.Big     `json:"feeAmount,omitempty"`
	FeeSwapPath []common.Address `json:"feeSwapPath,omitempty"`
}

// SubaccountApproval is a principal-signed message that creates or updates a
// delegation. An empty Signature means the caller intends to reuse the
// existing delegation and the remaining fields are ignored.
type SubaccountApproval struct {
	Subaccount      common.Address `json:"subaccount"`
	ExpiresAt       uint64         `json:"expiresAt"`
	MaxAllowedCount uint64         `json:"maxAllowedCount"`
	ActionType      ActionType     `json:"actionType"`
	Deadline        uint64         `json:"deadline"`
	Nonce           uint64         `json:"nonce"`
	Signature       hexutil.Bytes  `json:"signature,omitempty"`
}

// RelayRequest is the wire form of one relayed action. A zero Subaccount
// selects the direct principal flow; a non-zero Subaccount selects the
// delegated flow, in which the subaccount signs the request and the optional
// Approval updates the delegation first.
type RelayRequest struct {
	ChainID      uint64              `json:"chainId"`
	Account      common.Address      `json:"account"`
	Subaccount   common.Address      `json:"subaccount,omitempty"`
	OracleParams hexutil.Bytes       `json:"oracleParams,omitempty"`
	TokenPermits []TokenPermit       `json:"tokenPermits,omitempty"`
	FeeParams    FeeParams           `json:"feeParams"`
	Action       ActionPayload       `json:"action"`
	UserNonce    uint64              `json:"userNonce"`
	Deadline     uint64              `json:"deadline"`
	Approval     *SubaccountApproval `json:"subaccountApproval,omitempty"`
	Signature    hexutil.Bytes       `json:"signature,omitempty"`
}

// Delegated reports whether the request runs under a subaccount delegation.
func (r *RelayRequest) Delegated() bool {
	return r.Subaccount != (common.Address{})
}

// RemoveSubaccountRequest is the wire form of a relayed subaccount
// revocation. It is always signed by the principal and settles a relay fee
// like any other request.
type RemoveSubaccountRequest struct {
	ChainID      uint64         `json:"chainId"`
	Account      common.Address `json:"account"`
	Subaccount   common.Address `json:"subaccount"`
	OracleParams hexutil.Bytes  `json:"oracleParams,omitempty"`
	TokenPermits []TokenPermit  `json:"tokenPermits,omitempty"`
	FeeParams    FeeParams      `json:"feeParams"`
	UserNonce    uint64         `json:"userNonce"`
	Deadline     uint64         `json:"deadline"`
	Signature    hexutil.Bytes  `json:"signature,omitempty"`
}

// RelayContext is the per-request execution context declared by the relay
// operator: who receives the base fee, the token they expect it in, and the
// flat amount owed. A nil BaseFee falls back to the protocol default from
// FeeConfig. A nil Resolver selects signature-based sender resolution.
type RelayContext struct {
	Operator common.Address
	FeeToken common.Address
	BaseFee  *big.Int
	Resolver SenderResolver
}

// ExecuteResult is the receipt of a successfully executed relay request.
type ExecuteResult struct {
	OrderKey    common.Hash  `json:"orderKey,omitempty"`
	ResidualFee *hexutil.Big `json:"residualFee"`
}

// Delegation is the persisted bound on a subaccount's authority for one
// action type. A zero MaxAllowedCount means unlimited uses; a zero
// ExpiresAt means no expiry.
type Delegation struct {
	MaxAllowedCount uint64 `json:"maxAllowedCount"`
	CurrentCount    uint64 `json:"currentCount"`
	ExpiresAt       uint64 `json:"expiresAt"`
}

// DelegationState is the observable lifecycle state of a delegation.
// Revoked pairs read as unset: revocation removes the records entirely and
// a later validated approval may re-activate the pair.
type DelegationState string

const (
	DelegationUnset          DelegationState = "unset"
	DelegationActive         DelegationState = "active"
	DelegationExpired        DelegationState = "expired"
	DelegationLimitExhausted DelegationState = "limit_exhausted"
)

// bigOrZero unwraps an optional wire amount, treating nil as zero.
func bigOrZero(x *hexutil.Big) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return (*big.Int)(x)
}
