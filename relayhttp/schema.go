package relayhttp

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// JSON Schemas enforced on request bodies before decoding. Shape problems are
// rejected here with every violation listed; semantic checks (variant
// consistency, signatures, nonces, fee economics) stay in the relay core.
//
// Signature fields are deliberately loose hex blobs: length and recovery-id
// problems must surface as signature_invalid from verification, not as a
// schema error that reveals which part of the signature was malformed.
var relayRequestSchema = []byte(`{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "RelayRequest",
  "type": "object",
  "required": ["chainId", "account", "feeParams", "action", "userNonce", "signature"],
  "additionalProperties": false,
  "properties": {
    "chainId": {"type": "integer", "minimum": 1},
    "account": {"$ref": "#/definitions/address"},
    "subaccount": {"$ref": "#/definitions/address"},
    "oracleParams": {"$ref": "#/definitions/hexData"},
    "tokenPermits": {"type": "array", "items": {"$ref": "#/definitions/tokenPermit"}},
    "feeParams": {"$ref": "#/definitions/feeParams"},
    "action": {"$ref": "#/definitions/action"},
    "userNonce": {"type": "integer", "minimum": 0},
    "deadline": {"type": "integer", "minimum": 0},
    "subaccountApproval": {"$ref": "#/definitions/subaccountApproval"},
    "signature": {"$ref": "#/definitions/hexData"}
  },
  "definitions": {
    "address": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
    "hash32": {"type": "string", "pattern": "^0x[0-9a-fA-F]{64}$"},
    "hexData": {"type": "string", "pattern": "^0x([0-9a-fA-F]{2})*$"},
    "hexQuantity": {"type": "string", "pattern": "^0x[0-9a-fA-F]+$"},
    "tokenPermit": {
      "type": "object",
      "required": ["owner", "spender", "value", "deadline", "v", "r", "s", "token"],
      "additionalProperties": false,
      "properties": {
        "owner": {"$ref": "#/definitions/address"},
        "spender": {"$ref": "#/definitions/address"},
        "value": {"$ref": "#/definitions/hexQuantity"},
        "deadline": {"type": "integer", "minimum": 0},
        "v": {"type": "integer", "minimum": 0, "maximum": 255},
        "r": {"$ref": "#/definitions/hash32"},
        "s": {"$ref": "#/definitions/hash32"},
        "token": {"$ref": "#/definitions/address"}
      }
    },
    "feeParams": {
      "type": "object",
      "required": ["feeToken", "feeAmount"],
      "additionalProperties": false,
      "properties": {
        "feeToken": {"$ref": "#/definitions/address"},
        "feeAmount": {"$ref": "#/definitions/hexQuantity"},
        "feeSwapPath": {"type": "array", "items": {"$ref": "#/definitions/address"}}
      }
    },
    "action": {
      "type": "object",
      "required": ["kind"],
      "additionalProperties": false,
      "properties": {
        "kind": {"type": "string", "enum": ["create_order", "update_order", "cancel_order"]},
        "create": {"$ref": "#/definitions/createOrderParams"},
        "update": {"$ref": "#/definitions/updateOrderParams"},
        "key": {"$ref": "#/definitions/hash32"}
      }
    },
    "createOrderParams": {
      "type": "object",
      "required": ["market", "collateralToken", "collateralAmount", "sizeDeltaUsd"],
      "additionalProperties": false,
      "properties": {
        "market": {"$ref": "#/definitions/address"},
        "collateralToken": {"$ref": "#/definitions/address"},
        "collateralAmount": {"$ref": "#/definitions/hexQuantity"},
        "sizeDeltaUsd": {"$ref": "#/definitions/hexQuantity"},
        "triggerPrice": {"$ref": "#/definitions/hexQuantity"},
        "acceptablePrice": {"$ref": "#/definitions/hexQuantity"},
        "orderType": {"type": "integer", "minimum": 0, "maximum": 255},
        "isLong": {"type": "boolean"},
        "receiver": {"$ref": "#/definitions/address"},
        "validFromTime": {"type": "integer", "minimum": 0},
        "executionFee": {"$ref": "#/definitions/hexQuantity"}
      }
    },
    "updateOrderParams": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "sizeDeltaUsd": {"$ref": "#/definitions/hexQuantity"},
        "acceptablePrice": {"$ref": "#/definitions/hexQuantity"},
        "triggerPrice": {"$ref": "#/definitions/hexQuantity"},
        "minOutputAmount": {"$ref": "#/definitions/hexQuantity"},
        "validFromTime": {"type": "integer", "minimum": 0},
        "autoCancel": {"type": "boolean"}
      }
    },
    "subaccountApproval": {
      "type": "object",
      "required": ["subaccount", "actionType", "nonce"],
      "additionalProperties": false,
      "properties": {
        "subaccount": {"$ref": "#/definitions/address"},
        "expiresAt": {"type": "integer", "minimum": 0},
        "maxAllowedCount": {"type": "integer", "minimum": 0},
        "actionType": {"type": "string"},
        "deadline": {"type": "integer", "minimum": 0},
        "nonce": {"type": "integer", "minimum": 0},
        "signature": {"$ref": "#/definitions/hexData"}
      }
    }
  }
}`)

var removeSubaccountSchema = []byte(`{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "RemoveSubaccountRequest",
  "type": "object",
  "required": ["chainId", "account", "subaccount", "feeParams", "userNonce", "signature"],
  "additionalProperties": false,
  "properties": {
    "chainId": {"type": "integer", "minimum": 1},
    "account": {"$ref": "#/definitions/address"},
    "subaccount": {"$ref": "#/definitions/address"},
    "oracleParams": {"$ref": "#/definitions/hexData"},
    "tokenPermits": {"type": "array", "items": {"$ref": "#/definitions/tokenPermit"}},
    "feeParams": {"$ref": "#/definitions/feeParams"},
    "userNonce": {"type": "integer", "minimum": 0},
    "deadline": {"type": "integer", "minimum": 0},
    "signature": {"$ref": "#/definitions/hexData"}
  },
  "definitions": {
    "address": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
    "hash32": {"type": "string", "pattern": "^0x[0-9a-fA-F]{64}$"},
    "hexData": {"type": "string", "pattern": "^0x([0-9a-fA-F]{2})*$"},
    "hexQuantity": {"type": "string", "pattern": "^0x[0-9a-fA-F]+$"},
    "tokenPermit": {
      "type": "object",
      "required": ["owner", "spender", "value", "deadline", "v", "r", "s", "token"],
      "additionalProperties": false,
      "properties": {
        "owner": {"$ref": "#/definitions/address"},
        "spender": {"$ref": "#/definitions/address"},
        "value": {"$ref": "#/definitions/hexQuantity"},
        "deadline": {"type": "integer", "minimum": 0},
        "v": {"type": "integer", "minimum": 0, "maximum": 255},
        "r": {"$ref": "#/definitions/hash32"},
        "s": {"$ref": "#/definitions/hash32"},
        "token": {"$ref": "#/definitions/address"}
      }
    },
    "feeParams": {
      "type": "object",
      "required": ["feeToken", "feeAmount"],
      "additionalProperties": false,
      "properties": {
        "feeToken": {"$ref": "#/definitions/address"},
        "feeAmount": {"$ref": "#/definitions/hexQuantity"},
        "feeSwapPath": {"type": "array", "items": {"$ref": "#/definitions/address"}}
      }
    }
  }
}`)

// validateSchema checks document against schema and returns human-readable
// violations, or nil when the document conforms. A non-nil error means the
// document was not parseable JSON at all.
func validateSchema(schema, document []byte) ([]string, error) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewBytesLoader(document),
	)
	if err != nil {
		return nil, err
	}
	if result.Valid() {
		return nil, nil
	}
	violations := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		violations = append(violations, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
	}
	return violations, nil
}
