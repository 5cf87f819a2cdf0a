// Package apierr implements the Result-typed error taxonomy of spec.md §7:
// every endpoint produces Ok(body) or an *Error of one declared Kind, and the
// HTTP adapter in server/ maps Kind to a status code and a wire shape. This
// generalizes dex's server/error.go (apiError/writeAPIError) which only knew
// about OAuth-ish errors; here every endpoint, OAuth or not, goes through the
// same type.
package apierr

import "fmt"

// Kind is the error taxonomy's discriminant. Values match spec.md §7 exactly.
type Kind string

const (
	KindValidation       Kind = "VALIDATION_ERROR"
	KindInvalidRequest   Kind = "invalid_request"
	KindInvalidGrant      Kind = "invalid_grant"
	KindInvalidScope      Kind = "invalid_scope"
	KindUnauthorized      Kind = "unauthorized"
	KindUnauthorizedClient Kind = "unauthorized_client"
	KindForbidden         Kind = "forbidden"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindLocked            Kind = "locked"
	KindRateLimited       Kind = "rate_limited"
	KindInstallExpired    Kind = "install_token_expired"
	KindInstallForbidden  Kind = "install_token_forbidden"
	KindAlreadyInit       Kind = "already_initialized"
	KindInternal          Kind = "internal"
)

// StatusCode returns the HTTP status code §7 assigns to kind.
func (k Kind) StatusCode() int {
	switch k {
	case KindValidation, KindInvalidRequest, KindInvalidGrant, KindInvalidScope:
		return 400
	case KindUnauthorized, KindUnauthorizedClient:
		return 401
	case KindForbidden, KindInstallExpired, KindInstallForbidden:
		return 403
	case KindNotFound:
		return 404
	case KindConflict, KindAlreadyInit:
		return 409
	case KindLocked:
		return 423
	case KindRateLimited:
		return 429
	default:
		return 500
	}
}

// Error is the sum-type error every endpoint returns internally. Detail
// carries structured, kind-specific extras (issues[], lockedUntil,
// retryAfterSeconds) that the HTTP adapter flattens into the response body.
type Error struct {
	Kind        Kind
	Description string
	Detail      map[string]any

	// Code, when set, is surfaced as "code" for clients that branch on a
	// stable machine-readable sub-code rather than parsing Description.
	Code string
}

func (e *Error) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Description)
	}
	return string(e.Kind)
}

// New constructs an *Error of kind with a human description.
func New(kind Kind, description string) *Error {
	return &Error{Kind: kind, Description: description}
}

// WithDetail attaches structured detail and returns e for chaining.
func (e *Error) WithDetail(detail map[string]any) *Error {
	e.Detail = detail
	return e
}

// WithCode attaches a stable machine-readable sub-code and returns e.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// Internal wraps an unexpected error: the taxonomy never leaks cause to the
// client (spec.md §7 "no leakage"); callers are expected to log cause
// themselves with the request's structured logger before returning this.
func Internal() *Error {
	return &Error{Kind: KindInternal, Description: "internal"}
}

// As extracts an *Error from err, or nil if err is not one (or is nil).
func As(err error) *Error {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*Error); ok {
		return ae
	}
	return nil
}
