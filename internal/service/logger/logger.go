package logger

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log stays a no-op logger until Init is called.
var Log = zerolog.Nop()

type ctxKey struct{}

func Init(serviceName string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	Log = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

func WithContext(ctx context.Context, log *zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, log)
}

// FromContext returns the logger stored by WithContext, or Log.
func FromContext(ctx context.Context) *zerolog.Logger {
	if log, ok := ctx.Value(ctxKey{}).(*zerolog.Logger); ok {
		return log
	}
	return &Log
}

// ForJob derives a logger tagged with the job's identity and stores it in ctx.
func ForJob(ctx context.Context, id, subject, profile string) (context.Context, *zerolog.Logger) {
	l := FromContext(ctx).With().
		Str("job_id", id).
		Str("subject", subject).
		Str("profile", profile).
		Logger()
	return WithContext(ctx, &l), &l
}
