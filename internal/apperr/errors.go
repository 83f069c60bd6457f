// Package apperr defines the closed error taxonomy for the arrakis gateway.
//
// Every failure that can cross a component boundary is classified into one
// of the Kind values below. Handlers at the HTTP edge map kinds 1-to-1 onto
// status codes; internal detail (SQL, stack traces) never leaves the process.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidArgument
	KindUnauthenticated
	KindForbidden
	KindNotFound
	KindConflict
	KindInsufficientCredit
	KindAnchorMissing
	KindAnchorMismatch
	KindPeerUnavailable
	KindTimeout
	KindInvariantViolation
	KindDependencyUnavailable
	KindContractIncompatible
	KindRateLimited
)

// String returns the stable machine-readable code for the kind. These codes
// appear in API responses and must not change.
func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "INVALID_ARGUMENT"
	case KindUnauthenticated:
		return "UNAUTHENTICATED"
	case KindForbidden:
		return "FORBIDDEN"
	case KindNotFound:
		return "NOT_FOUND"
	case KindConflict:
		return "CONFLICT"
	case KindInsufficientCredit:
		return "INSUFFICIENT_CREDIT"
	case KindAnchorMissing:
		return "ANCHOR_MISSING"
	case KindAnchorMismatch:
		return "ANCHOR_MISMATCH"
	case KindPeerUnavailable:
		return "PEER_UNAVAILABLE"
	case KindTimeout:
		return "TIMEOUT"
	case KindInvariantViolation:
		return "INVARIANT_VIOLATION"
	case KindDependencyUnavailable:
		return "DEPENDENCY_UNAVAILABLE"
	case KindContractIncompatible:
		return "CONTRACT_INCOMPATIBLE"
	case KindRateLimited:
		return "RATE_LIMITED"
	default:
		return "INTERNAL"
	}
}

// HTTPStatus maps the kind onto its HTTP status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden, KindAnchorMissing, KindAnchorMismatch:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindInsufficientCredit:
		return http.StatusPaymentRequired
	case KindContractIncompatible:
		return http.StatusUpgradeRequired
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindPeerUnavailable:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindDependencyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the concrete error type carried between components.
type Error struct {
	Kind    Kind
	Message string            // tenant-safe message
	Meta    map[string]string // structured context surfaced in the response body
	Err     error             // wrapped cause, never serialized
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error of the given kind with a tenant-safe message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and tenant-safe message to an underlying cause.
func Wrap(err error, kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithMeta attaches a structured context field to the error and returns it.
func (e *Error) WithMeta(key, value string) *Error {
	if e.Meta == nil {
		e.Meta = make(map[string]string, 1)
	}
	e.Meta[key] = value
	return e
}

// KindOf extracts the Kind from an error chain. Unclassified errors are
// Internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// MetaOf extracts structured context from an error chain, or nil.
func MetaOf(err error) map[string]string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Meta
	}
	return nil
}

// MessageOf returns the tenant-safe message for an error chain. Unclassified
// errors get a generic message so internals never leak.
func MessageOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return "internal error"
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
