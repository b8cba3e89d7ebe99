package blog

import (
	"context"
	"log/slog"
	"strings"
	"testing"
)

type tWriter struct {
	t testing.TB
}

func (w tWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// NewTestContext returns a context carrying a debug level logger that
// writes to t.Log, so log lines show up next to the test that made them.
func NewTestContext(t testing.TB) context.Context {
	return NewContext(context.Background(), NewWriter(tWriter{t}, slog.LevelDebug))
}
