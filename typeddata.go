package relay

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP-712 signing domain shared by every message this router accepts.
const (
	DomainName    = "OpenPerpRelayRouter"
	DomainVersion = "1"
)

// relayTypes returns the fixed, versioned EIP-712 type table. Field order is
// part of every signature; never reorder or rename entries.
//
// The relay parameter bundle (oracle params, permits, fee, nonce, deadline)
// is hashed as its own struct and embedded into each action as
// bytes32 relayParams, so a signature binds to its exact fee/oracle/permit
// context. The subaccount approval hash is embedded the same way (zero when
// the request carries none). One type per action serves both the direct and
// the delegated flow; only the expected signer differs.
func relayTypes() apitypes.Types {
	return apitypes.Types{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		"FeeParams": {
			{Name: "feeToken", Type: "address"},
			{Name: "feeAmount", Type: "uint256"},
			{Name: "feeSwapPath", Type: "address[]"},
		},
		"TokenPermit": {
			{Name: "owner", Type: "address"},
			{Name: "spender", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "deadline", Type: "uint256"},
			{Name: "v", Type: "uint8"},
			{Name: "r", Type: "bytes32"},
			{Name: "s", Type: "bytes32"},
			{Name: "token", Type: "address"},
		},
		"RelayParams": {
			{Name: "oracleParams", Type: "bytes"},
			{Name: "tokenPermits", Type: "TokenPermit[]"},
			{Name: "fee", Type: "FeeParams"},
			{Name: "userNonce", Type: "uint256"},
			{Name: "deadline", Type: "uint256"},
		},
		"CreateOrderParams": {
			{Name: "market", Type: "address"},
			{Name: "collateralToken", Type: "address"},
			{Name: "collateralAmount", Type: "uint256"},
			{Name: "sizeDeltaUsd", Type: "uint256"},
			{Name: "triggerPrice", Type: "uint256"},
			{Name: "acceptablePrice", Type: "uint256"},
			{Name: "orderType", Type: "uint8"},
			{Name: "isLong", Type: "bool"},
			{Name: "receiver", Type: "address"},
			{Name: "validFromTime", Type: "uint256"},
		},
		"UpdateOrderParams": {
			{Name: "sizeDeltaUsd", Type: "uint256"},
			{Name: "acceptablePrice", Type: "uint256"},
			{Name: "triggerPrice", Type: "uint256"},
			{Name: "minOutputAmount", Type: "uint256"},
			{Name: "validFromTime", Type: "uint256"},
			{Name: "autoCancel", Type: "bool"},
		},
		"CreateOrder": {
			{Name: "account", Type: "address"},
			{Name: "params", Type: "CreateOrderParams"},
			{Name: "relayParams", Type: "bytes32"},
			{Name: "subaccountApproval", Type: "bytes32"},
		},
		"UpdateOrder": {
			{Name: "account", Type: "address"},
			{Name: "key", Type: "bytes32"},
			{Name: "params", Type: "UpdateOrderParams"},
			{Name: "relayParams", Type: "bytes32"},
			{Name: "subaccountApproval", Type: "bytes32"},
		},
		"CancelOrder": {
			{Name: "account", Type: "address"},
			{Name: "key", Type: "bytes32"},
			{Name: "relayParams", Type: "bytes32"},
			{Name: "subaccountApproval", Type: "bytes32"},
		},
		"RemoveSubaccount": {
			{Name: "account", Type: "address"},
			{Name: "subaccount", Type: "address"},
			{Name: "relayParams", Type: "bytes32"},
		},
		"SubaccountApproval": {
			{Name: "subaccount", Type: "address"},
			{Name: "expiresAt", Type: "uint256"},
			{Name: "maxAllowedCount", Type: "uint256"},
			{Name: "actionType", Type: "string"},
			{Name: "deadline", Type: "uint256"},
			{Name: "nonce", Type: "uint256"},
		},
	}
}

// SigningDomain returns the EIP-712 domain binding signatures to one router
// deployment on one chain.
func SigningDomain(chainID uint64, router common.Address) apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              DomainName,
		Version:           DomainVersion,
		ChainId:           math.NewHexOrDecimal256(int64(chainID)),
		VerifyingContract: router.Hex(),
	}
}

// ActionDigest builds the signing digest for a relay request: the EIP-712
// hash of the action struct for the request's kind, under the router's
// signing domain.
func ActionDigest(chainID uint64, router common.Address, req *RelayRequest) (common.Hash, error) {
	td := &apitypes.TypedData{Types: relayTypes()}

	bundle, err := relayParamsHash(td, req.OracleParams, req.TokenPermits, req.FeeParams, req.UserNonce, req.Deadline)
	if err != nil {
		return common.Hash{}, err
	}

	var approvalHash common.Hash
	if req.Approval != nil && len(req.Approval.Signature) > 0 {
		approvalHash, err = approvalStructHash(td, req.Approval)
		if err != nil {
			return common.Hash{}, err
		}
	}

	var primaryType string
	message := map[string]interface{}{
		"account":            req.Account.Hex(),
		"relayParams":        bundle.Bytes(),
		"subaccountApproval": approvalHash.Bytes(),
	}
	switch req.Action.Kind {
	case ActionCreateOrder:
		primaryType = "CreateOrder"
		message["params"] = createOrderParamsMessage(req.Action.Create)
	case ActionUpdateOrder:
		primaryType = "UpdateOrder"
		message["key"] = req.Action.Key.Bytes()
		message["params"] = updateOrderParamsMessage(req.Action.Update)
	case ActionCancelOrder:
		primaryType = "CancelOrder"
		message["key"] = req.Action.Key.Bytes()
	default:
		return common.Hash{}, Errorf(ErrInvalidRequest, "unknown action kind %q", req.Action.Kind)
	}

	return hashTypedData(SigningDomain(chainID, router), primaryType, message)
}

// ApprovalDigest builds the digest a principal signs to create or update a
// subaccount delegation.
func ApprovalDigest(chainID uint64, router common.Address, approval *SubaccountApproval) (common.Hash, error) {
	return hashTypedData(SigningDomain(chainID, router), "SubaccountApproval", approvalMessage(approval))
}

// RemoveSubaccountDigest builds the digest a principal signs to revoke a
// subaccount through the relayed path.
func RemoveSubaccountDigest(chainID uint64, router common.Address, req *RemoveSubaccountRequest) (common.Hash, error) {
	td := &apitypes.TypedData{Types: relayTypes()}

	bundle, err := relayParamsHash(td, req.OracleParams, req.TokenPermits, req.FeeParams, req.UserNonce, req.Deadline)
	if err != nil {
		return common.Hash{}, err
	}

	message := map[string]interface{}{
		"account":     req.Account.Hex(),
		"subaccount":  req.Subaccount.Hex(),
		"relayParams": bundle.Bytes(),
	}
	return hashTypedData(SigningDomain(chainID, router), "RemoveSubaccount", message)
}

// relayParamsHash hashes the relay parameter bundle as its own struct.
func relayParamsHash(td *apitypes.TypedData, oracleParams []byte, permits []TokenPermit, fee FeeParams, userNonce, deadline uint64) (common.Hash, error) {
	message := map[string]interface{}{
		"oracleParams": bytesOrEmpty(oracleParams),
		"tokenPermits": tokenPermitMessages(permits),
		"fee":          feeParamsMessage(fee),
		"userNonce":    new(big.Int).SetUint64(userNonce),
		"deadline":     new(big.Int).SetUint64(deadline),
	}
	hash, err := td.HashStruct("RelayParams", message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash relay params: %w", err)
	}
	return common.BytesToHash(hash), nil
}

// approvalStructHash hashes an approval's content (without its signature),
// both for embedding into action digests and as the struct the principal
// signs.
func approvalStructHash(td *apitypes.TypedData, approval *SubaccountApproval) (common.Hash, error) {
	hash, err := td.HashStruct("SubaccountApproval", approvalMessage(approval))
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash subaccount approval: %w", err)
	}
	return common.BytesToHash(hash), nil
}

// hashTypedData assembles the final EIP-712 digest:
// keccak256("\x19\x01" + domainSeparator + structHash).
func hashTypedData(domain apitypes.TypedDataDomain, primaryType string, message map[string]interface{}) (common.Hash, error) {
	typedData := apitypes.TypedData{
		Types:       relayTypes(),
		PrimaryType: primaryType,
		Domain:      domain,
		Message:     message,
	}

	structHash, err := typedData.HashStruct(primaryType, message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash %s struct: %w", primaryType, err)
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash signing domain: %w", err)
	}

	rawData := []byte{0x19, 0x01}
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, structHash...)
	return common.BytesToHash(crypto.Keccak256(rawData)), nil
}

func feeParamsMessage(fee FeeParams) map[string]interface{} {
	return map[string]interface{}{
		"feeToken":    fee.FeeToken.Hex(),
		"feeAmount":   bigOrZero(fee.FeeAmount),
		"feeSwapPath": addressStrings(fee.FeeSwapPath),
	}
}

func tokenPermitMessages(permits []TokenPermit) []interface{} {
	out := make([]interface{}, 0, len(permits))
	for _, p := range permits {
		out = append(out, map[string]interface{}{
			"owner":    p.Owner.Hex(),
			"spender":  p.Spender.Hex(),
			"value":    bigOrZero(p.Value),
			"deadline": new(big.Int).SetUint64(p.Deadline),
			"v":        big.NewInt(int64(p.V)),
			"r":        p.R.Bytes(),
			"s":        p.S.Bytes(),
			"token":    p.Token.Hex(),
		})
	}
	return out
}

func createOrderParamsMessage(p *CreateOrderParams) map[string]interface{} {
	return map[string]interface{}{
		"market":           p.Market.Hex(),
		"collateralToken":  p.CollateralToken.Hex(),
		"collateralAmount": bigOrZero(p.CollateralAmount),
		"sizeDeltaUsd":     bigOrZero(p.SizeDeltaUSD),
		"triggerPrice":     bigOrZero(p.TriggerPrice),
		"acceptablePrice":  bigOrZero(p.AcceptablePrice),
		"orderType":        big.NewInt(int64(p.OrderType)),
		"isLong":           p.IsLong,
		"receiver":         p.Receiver.Hex(),
		"validFromTime":    new(big.Int).SetUint64(p.ValidFromTime),
	}
}

func updateOrderParamsMessage(p *UpdateOrderParams) map[string]interface{} {
	return map[string]interface{}{
		"sizeDeltaUsd":    bigOrZero(p.SizeDeltaUSD),
		"acceptablePrice": bigOrZero(p.AcceptablePrice),
		"triggerPrice":    bigOrZero(p.TriggerPrice),
		"minOutputAmount": bigOrZero(p.MinOutputAmount),
		"validFromTime":   new(big.Int).SetUint64(p.ValidFromTime),
		"autoCancel":      p.AutoCancel,
	}
}

func approvalMessage(a *SubaccountApproval) map[string]interface{} {
	return map[string]interface{}{
		"subaccount":      a.Subaccount.Hex(),
		"expiresAt":       new(big.Int).SetUint64(a.ExpiresAt),
		"maxAllowedCount": new(big.Int).SetUint64(a.MaxAllowedCount),
		"actionType":      string(a.ActionType),
		"deadline":        new(big.Int).SetUint64(a.Deadline),
		"nonce":           new(big.Int).SetUint64(a.Nonce),
	}
}

func addressStrings(addrs []common.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Hex()
	}
	return out
}

func bytesOrEmpty(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
