package logger

import (
	"context"

	"go.uber.org/zap"

	"replog/internal"
)

var loggerKey = internal.NewCtxKey[*zap.Logger]("logger")

// NewContext returns a new context with log added.
func NewContext(ctx context.Context, log *zap.Logger) context.Context {
	return internal.SetCtxKey(ctx, loggerKey, log)
}

// FromContext returns the logger associated with ctx, or a no-op logger if none has been assigned.
func FromContext(ctx context.Context) *zap.Logger {
	if l, ok := internal.GetCtxKey(ctx, loggerKey); ok && l != nil {
		return l
	}
	return zap.NewNop()
}
