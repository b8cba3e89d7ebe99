// This file attaches a logger to a context and retrieves it again. Other
// packages only ever add attrs through ContextWith; they never reach for the
// *slog.Logger directly.

package blog

import (
	"context"
	"log/slog"
)

type sloggerCtxKeyType struct{}

var sloggerCtxKey = sloggerCtxKeyType{}

// NewContext returns a copy of ctx carrying logger. It is called once per
// process by cmd, and by tests.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, sloggerCtxKey, logger)
}

// fromContext retrieves the logger from the context. It panics if there is
// none, since every entry point is expected to install one.
func fromContext(ctx context.Context) *slog.Logger {
	slogger, ok := ctx.Value(sloggerCtxKey).(*slog.Logger)
	if slogger == nil || !ok {
		panic("context not initialized with slogger")
	}
	return slogger
}

// ContextWith returns a new context whose logger includes attrs on every
// subsequent line.
func ContextWith(ctx context.Context, attrs ...slog.Attr) context.Context {
	// GroupAttrs with an empty key flattens attrs to the top level without
	// converting them to []any first.
	slogger := fromContext(ctx).With(slog.GroupAttrs("", attrs...))
	return context.WithValue(ctx, sloggerCtxKey, slogger)
}
