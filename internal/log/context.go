package log

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/flitsinc/agent-relay/internal/agentcontext"
)

// WithContext enriches logger with the session, turn and request ids carried
// by ctx.
func WithContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if ctx == nil {
		return logger
	}
	builder := logger.With()
	added := false
	if sid := agentcontext.SessionIDFromContext(ctx); sid != "" {
		builder = builder.Str(FieldSessionID, sid)
		added = true
	}
	if tid := agentcontext.TurnIDFromContext(ctx); tid != "" {
		builder = builder.Str(FieldTurnID, tid)
		added = true
	}
	if rid := agentcontext.RequestIDFromContext(ctx); rid != "" {
		builder = builder.Str(FieldRequestID, rid)
		added = true
	}
	if !added {
		return logger
	}
	return builder.Logger()
}

// FromContext returns a component logger enriched with ctx fields.
func FromContext(ctx context.Context, component string) zerolog.Logger {
	return WithContext(ctx, WithComponent(component))
}
