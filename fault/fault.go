// Package fault defines the stable error taxonomy surfaced to API callers.
// Every rejection carries a code and a one-line reason; internal errors are
// never exposed verbatim.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a rejection class. Codes are part of the public API and
// must stay stable.
type Code string

const (
	CodeInvalidInput        Code = "INVALID_INPUT"
	CodeNotFound            Code = "NOT_FOUND"
	CodeInvalidState        Code = "INVALID_STATE"
	CodePaymentMismatch     Code = "PAYMENT_MISMATCH"
	CodeVerificationFailed  Code = "VERIFICATION_FAILED"
	CodeExternalUnavailable Code = "EXTERNAL_UNAVAILABLE"
	CodeInconsistent        Code = "INCONSISTENT"
	CodeForbidden           Code = "FORBIDDEN"
	CodeRateLimited         Code = "RATE_LIMITED"
)

// Error pairs a stable code with a human-readable reason.
type Error struct {
	Code   Code
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// New constructs a coded error.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the code from err, or empty when err carries none.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// HTTPStatus maps a code to the response status the gateway emits.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidInput, CodeInvalidState, CodePaymentMismatch, CodeVerificationFailed:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeExternalUnavailable:
		return http.StatusBadGateway
	case CodeInconsistent:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
