package dispatcher

import "context"

type ctxKey int

const requestIDKey ctxKey = iota

// WithRequestID tags the context with the coordination-level request id.
// Escalations adopt it as their queue id, so the aggregate events, the
// decision ledger and the expert queue all correlate on one id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the tagged request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
