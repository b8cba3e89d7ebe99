package blog

import (
	"bytes"
	"context"
	"io"
	"log/slog"
)

const auditKey = "audit"

// auditAttr is attached by AuditError and AuditInfo. auditHandler looks for
// its key to decide which sub-handler a record goes to.
var auditAttr = slog.Bool(auditKey, true)

// auditWriter prepends "[AUDIT] " to every write. slog makes exactly one
// Write call per record, so each audit line is tagged once.
type auditWriter struct {
	inner io.Writer
}

func (w *auditWriter) Write(in []byte) (int, error) {
	var out bytes.Buffer
	out.WriteString("[AUDIT] ")
	out.Write(in)
	n, err := out.WriteTo(w.inner)
	return int(n), err
}

// auditHandler routes records carrying auditAttr to a handler writing through
// an auditWriter and everything else to a plain handler. Both are built from
// the same options so their levels always agree.
type auditHandler struct {
	audit slog.Handler
	plain slog.Handler
}

func newAuditHandler[T slog.Handler](constructor func(io.Writer, *slog.HandlerOptions) T, w io.Writer, opts *slog.HandlerOptions) *auditHandler {
	orig := opts.ReplaceAttr
	opts.ReplaceAttr = func(groups []string, attr slog.Attr) slog.Attr {
		// The writer already tags the line; drop the attr itself.
		if attr.Equal(auditAttr) {
			return slog.Attr{}
		}
		if orig != nil {
			return orig(groups, attr)
		}
		return attr
	}
	return &auditHandler{
		audit: constructor(&auditWriter{inner: w}, opts),
		plain: constructor(w, opts),
	}
}

func (h *auditHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.plain.Enabled(ctx, l)
}

func (h *auditHandler) Handle(ctx context.Context, r slog.Record) error {
	handler := h.plain
	for attr := range r.Attrs {
		if attr.Key == auditKey {
			handler = h.audit
			break
		}
	}
	return handler.Handle(ctx, r)
}

func (h *auditHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	for _, attr := range attrs {
		if attr.Key == auditKey {
			// Attrs added with Logger.With never reach Handle's record, so an
			// audit-tagged child logger routes everything to the audit side.
			return &auditHandler{audit: h.audit.WithAttrs(attrs), plain: h.audit.WithAttrs(attrs)}
		}
	}
	return &auditHandler{audit: h.audit.WithAttrs(attrs), plain: h.plain.WithAttrs(attrs)}
}

func (h *auditHandler) WithGroup(name string) slog.Handler {
	return &auditHandler{audit: h.audit.WithGroup(name), plain: h.plain.WithGroup(name)}
}
