package relay

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a terminal relay failure. Codes are stable wire
// identifiers: transports return them verbatim and callers branch on them.
type ErrorCode string

const (
	ErrSignatureInvalid            ErrorCode = "signature_invalid"
	ErrNonceMismatch               ErrorCode = "nonce_mismatch"
	ErrDeadlinePassed              ErrorCode = "deadline_passed"
	ErrInvalidSubaccount           ErrorCode = "invalid_subaccount"
	ErrSubaccountNotApproved       ErrorCode = "subaccount_not_approved"
	ErrSubaccountExpired           ErrorCode = "subaccount_expired"
	ErrSubaccountLimitExceeded     ErrorCode = "subaccount_limit_exceeded"
	ErrInvalidFeeToken             ErrorCode = "invalid_fee_token"
	ErrInvalidSwapOutputToken      ErrorCode = "invalid_swap_output_token"
	ErrInsufficientResidualFee     ErrorCode = "insufficient_residual_fee"
	ErrInvalidPermitSpender        ErrorCode = "invalid_permit_spender"
	ErrUnauthorizedAccountMismatch ErrorCode = "unauthorized_account_mismatch"
	ErrReentrantCall               ErrorCode = "reentrant_call"
	ErrInvalidRequest              ErrorCode = "invalid_relay_request"
)

// Error is the terminal failure type for relay request processing. Every
// rejection aborts the whole request; nothing is retried internally.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a relay error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a relay error with a formatted message.
func Errorf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the relay error code carried by err, unwrapping as needed,
// or the empty string when err carries none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given relay error code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
