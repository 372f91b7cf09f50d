package models

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable classification of a failure returned to callers.
type ErrorKind string

const (
	KindValidation         ErrorKind = "validation_error"
	KindNotFound           ErrorKind = "not_found"
	KindInventoryExhausted ErrorKind = "inventory_exhausted"
	KindAuthFailure        ErrorKind = "auth_failure"
	KindGatewayUnavailable ErrorKind = "gateway_unavailable"
	KindGatewayRejected    ErrorKind = "gateway_rejected"
	KindMalformedCallback  ErrorKind = "malformed_callback"
	KindUnknownCorrelation ErrorKind = "unknown_correlation"
	KindIntegrity          ErrorKind = "integrity_error"
)

// Error carries a kind, a human readable detail and an optional cause.
type Error struct {
	Kind      ErrorKind
	Detail    string
	Remaining *int
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrInventoryExhausted = &Error{Kind: KindInventoryExhausted}
	ErrAuthFailure        = &Error{Kind: KindAuthFailure}
	ErrGatewayUnavailable = &Error{Kind: KindGatewayUnavailable}
	ErrGatewayRejected    = &Error{Kind: KindGatewayRejected}
	ErrMalformedCallback  = &Error{Kind: KindMalformedCallback}
	ErrUnknownCorrelation = &Error{Kind: KindUnknownCorrelation}
	ErrIntegrity          = &Error{Kind: KindIntegrity}
)

// NewError builds an *Error of the given kind.
func NewError(kind ErrorKind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: cause}
}

// InventoryExhaustedError reports how many seats are still admissible.
func InventoryExhaustedError(remaining int) *Error {
	if remaining < 0 {
		remaining = 0
	}
	return &Error{
		Kind:      KindInventoryExhausted,
		Detail:    fmt.Sprintf("not enough tickets available, only %d left", remaining),
		Remaining: &remaining,
	}
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
