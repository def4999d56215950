package common

import "context"

type contextKey string

const (
	contextKeyRequestID   contextKey = "request_id"
	contextKeyContentHash contextKey = "content_hash"
)

// WithRequestID tags the context with the inbound request id so pipeline
// logs can be correlated with the HTTP access log.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if requestID, ok := ctx.Value(contextKeyRequestID).(string); ok {
		return requestID
	}
	return ""
}

// WithContentHash tags the context with the document hash being worked
// on, so deep layers log against the right document.
func WithContentHash(ctx context.Context, hashHex string) context.Context {
	return context.WithValue(ctx, contextKeyContentHash, hashHex)
}

func ContentHashFromContext(ctx context.Context) (string, bool) {
	hashHex, ok := ctx.Value(contextKeyContentHash).(string)
	return hashHex, ok
}
