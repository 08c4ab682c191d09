// Package reqctx provides context helpers for carrying a request id
// through context.Context, and the correlation-id generator the handlers
// use when a read-only route is called without a request_id. The handlers
// themselves keep the request id in the Fiber request's Locals for the
// error handler and pass audit.Identity to the pool layer as an explicit
// argument; they do not call WithRequestID.
package reqctx

import (
	"context"

	"github.com/google/uuid"
)

type requestIDKey struct{}

// WithRequestID returns a context carrying requestID for logging and
// correlation. It does not affect the audit protocol, which receives
// audit.Identity directly as a function argument, not via context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestID returns the request id stashed by WithRequestID, or "" if none
// was set.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// NewCorrelationID generates a synthetic request id for routes that carry
// no caller-supplied request_id in their path (voucher_counts,
// audit_query). These routes are read-only and not subject to the audit
// idempotency protocol, but still need a value for log correlation.
func NewCorrelationID() string {
	return uuid.NewString()
}
