package settler

import (
	"errors"
	"fmt"
)

// SettlementError represents a settlement-specific error
type SettlementError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SettlementError) Unwrap() error {
	return e.Err
}

// Common error codes
const (
	ErrCodeInsufficientFunds   = "insufficient_funds"
	ErrCodeQuoteFailed         = "quote_failed"
	ErrCodeNoRoute             = "no_route"
	ErrCodeTransferFailed      = "transfer_failed"
	ErrCodeChainUnavailable    = "chain_unavailable"
	ErrCodeProviderUnavailable = "provider_unavailable"
	ErrCodeStoreUnavailable    = "store_unavailable"
	ErrCodeSettlementExpired   = "settlement_expired"
	ErrCodeUnsupportedNetwork  = "unsupported_network"
	ErrCodeInvalidAmount       = "invalid_amount"
)

// NewSettlementError creates a new settlement error
func NewSettlementError(code, message string, details map[string]interface{}) *SettlementError {
	return &SettlementError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// WrapSettlementError creates a settlement error wrapping an underlying cause.
func WrapSettlementError(code, message string, err error) *SettlementError {
	return &SettlementError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsTransient reports whether the error should leave the settlement state
// unchanged so the next scheduler tick retries it. Everything else is either
// a terminal business failure (recorded on the record) or an unexpected error
// that propagates to the loop boundary.
func IsTransient(err error) bool {
	var se *SettlementError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case ErrCodeTransferFailed, ErrCodeChainUnavailable, ErrCodeProviderUnavailable, ErrCodeStoreUnavailable:
		return true
	}
	return false
}
