package agentcontext

import "context"

type contextKey string

const (
	sessionIDKey contextKey = "session_id"
	turnIDKey    contextKey = "turn_id"
	requestIDKey contextKey = "request_id"
)

func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return withValue(ctx, sessionIDKey, sessionID)
}

func SessionIDFromContext(ctx context.Context) string {
	return valueOf(ctx, sessionIDKey)
}

// WithTurnID records the message id of the user turn being relayed.
func WithTurnID(ctx context.Context, turnID string) context.Context {
	return withValue(ctx, turnIDKey, turnID)
}

func TurnIDFromContext(ctx context.Context) string {
	return valueOf(ctx, turnIDKey)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	return valueOf(ctx, requestIDKey)
}

func withValue(ctx context.Context, key contextKey, value string) context.Context {
	if value == "" {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, key, value)
}

func valueOf(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(key).(string); ok {
		return val
	}
	return ""
}
