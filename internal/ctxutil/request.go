package ctxutil

import "context"

const keyRequestID contextKey = "request_id"

// WithRequestID returns a new context carrying the request id assigned at the
// HTTP edge. It lives in ctxutil so mcp handlers can correlate their logs
// with server access logs without importing the server package.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the request id, or "" when unset.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}
