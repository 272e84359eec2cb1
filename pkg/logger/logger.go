package logger

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// New returns the JSON structured logger used by every process in this repo.
// Pipeline runs outlive the request that started them, so callers should carry
// the logger through context rather than through package globals.
func New(appEnv string) *slog.Logger {
	level := slog.LevelInfo
	if appEnv == "local" || appEnv == "dev" {
		level = slog.LevelDebug
	}

	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("service", "medication-reminder")
}

type ctxKey struct{}

// With stores a logger in context.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From gets a logger from context, falling back to slog.Default().
func From(ctx context.Context) *slog.Logger {
	if v := ctx.Value(ctxKey{}); v != nil {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}

// WithCall returns a context whose logger is tagged with the provider call id.
func WithCall(ctx context.Context, callSid string) context.Context {
	return With(ctx, From(ctx).With("call_sid", callSid))
}

// ShutdownFlush exists so main can treat the logger like the other closable
// dependencies. The JSON handler writes synchronously, so there is nothing to flush.
func ShutdownFlush(_ context.Context, _ time.Duration) error { return nil }
