// Package apperror defines the error taxonomy shared by the store, audit,
// and pool layers and translated once at the HTTP boundary.
package apperror

import (
	"errors"
	"fmt"
)

// Error is a tagged error carrying the HTTP status it maps to. Intermediate
// layers never need to inspect it; they propagate it with %w and the
// gateway translates it exactly once.
type Error struct {
	Code    int
	Message string
	err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.err
}

func newError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Sentinel errors for the taxonomy in spec §7. Use errors.Is to test for
// these; wrap with fmt.Errorf("...: %w", ErrX) when more context helps logs.
var (
	// ErrNoVoucherPool: the named pool has no persisted state. 404.
	ErrNoVoucherPool = newError(404, "Voucher pool does not exist.")

	// ErrAuditMismatch: request_id reused with a different fingerprint. 400.
	ErrAuditMismatch = newError(400, "This request has already been performed with different parameters.")

	// ErrNoVoucherAvailable: issuance found no matching unused voucher.
	// Surfaced with HTTP 200 and an error-shaped body, not a fault.
	ErrNoVoucherAvailable = newError(200, "No voucher available.")

	// ErrDuplicateVoucher: import encountered a row that already exists.
	ErrDuplicateVoucher = newError(400, "Duplicate voucher.")

	// ErrDuplicateRequest is internal to the store/audit layers: it signals
	// a request_id collision on insert. The audit log resolves it into
	// either a replay or ErrAuditMismatch; it never escapes to callers.
	ErrDuplicateRequest = errors.New("duplicate request id")
)

// Param builds a 400 ParamError for missing/unexpected/invalid parameters.
func Param(format string, args ...any) *Error {
	return newError(400, fmt.Sprintf(format, args...))
}

// Internal builds a generic 500 for conditions that should never leak
// provider-specific detail to the client.
func Internal() *Error {
	return newError(500, "Internal server error.")
}

// CodeOf returns the HTTP status an error maps to, defaulting to 500 for
// anything not wrapping an *Error.
func CodeOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 500
}

// MessageOf returns the client-facing message for an error, defaulting to
// the generic internal-error message for anything not wrapping an *Error.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "Internal server error."
}
