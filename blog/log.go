// This file contains the helper functions for emitting log messages. It is
// the primary public interface of this package. Each function pulls the
// logger out of the context and logs the message with any extra attrs.

package blog

import (
	"context"
	"log/slog"
)

// Error logs msg and err at error level. The error is included under the key
// "error".
func Error(ctx context.Context, msg string, err error, attrs ...slog.Attr) {
	fromContext(ctx).With(slog.Any("error", err)).LogAttrs(ctx, slog.LevelError, msg, attrs...)
}

// Warn logs msg at warning level.
func Warn(ctx context.Context, msg string, attrs ...slog.Attr) {
	fromContext(ctx).LogAttrs(ctx, slog.LevelWarn, msg, attrs...)
}

// Info logs msg at info level.
func Info(ctx context.Context, msg string, attrs ...slog.Attr) {
	fromContext(ctx).LogAttrs(ctx, slog.LevelInfo, msg, attrs...)
}

// Debug logs msg at debug level.
func Debug(ctx context.Context, msg string, attrs ...slog.Attr) {
	fromContext(ctx).LogAttrs(ctx, slog.LevelDebug, msg, attrs...)
}

// AuditError logs msg and err at error level with the audit tag. Anything
// that changes key material or certificate state and fails goes here.
func AuditError(ctx context.Context, msg string, err error, attrs ...slog.Attr) {
	fromContext(ctx).With(auditAttr, slog.Any("error", err)).LogAttrs(ctx, slog.LevelError, msg, attrs...)
}

// AuditInfo logs msg at info level with the audit tag.
func AuditInfo(ctx context.Context, msg string, attrs ...slog.Attr) {
	fromContext(ctx).With(auditAttr).LogAttrs(ctx, slog.LevelInfo, msg, attrs...)
}
