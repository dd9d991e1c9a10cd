package audit

import (
	"context"
	"errors"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"qazna.org/identity/internal/auth"
)

// Logger writes the security audit trail: one entry per sign-in, refresh,
// logout and administrative mutation. Callers must never pass raw tokens
// or passwords in fields.
type Logger struct {
	log *zap.Logger
}

func New(log *zap.Logger) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Logger{log: log.Named("audit")}
}

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches a request identifier for code paths that do not run
// behind the chi RequestID middleware.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if rid := middleware.GetReqID(ctx); rid != "" {
		return rid
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry enriched with request and actor context.
// A non-nil err marks the entry as a failure.
func (l *Logger) LogEvent(ctx context.Context, event string, err error, fields ...zap.Field) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := make([]zap.Field, 0, len(fields)+6)
	entry = append(entry, zap.String("type", "audit"), zap.String("event", event))
	if rid := requestIDFromContext(ctx); rid != "" {
		entry = append(entry, zap.String("request_id", rid))
	}
	if id, username, ok := auth.ActorFromContext(ctx); ok {
		entry = append(entry, zap.String("actor_id", id), zap.String("actor", username))
	}
	entry = append(entry, fields...)
	if err != nil {
		entry = append(entry, zap.String("outcome", "failure"), zap.Error(err))
		l.log.Warn("audit", entry...)
		return nil
	}
	entry = append(entry, zap.String("outcome", "success"))
	l.log.Info("audit", entry...)
	return nil
}
