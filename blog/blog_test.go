package blog

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/serverpki/serverpki/test"
)

func newTestContext(level slog.Level) (context.Context, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewContext(context.Background(), NewWriter(&buf, level)), &buf
}

func TestAuditLinesAreTagged(t *testing.T) {
	ctx, buf := newTestContext(slog.LevelInfo)

	Info(ctx, "plain line")
	AuditInfo(ctx, "flipped keysEncrypted", slog.Bool("encrypted", true))
	AuditError(ctx, "decrypt failed", errors.New("bad tag"), Instance(7))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	test.AssertEquals(t, len(lines), 3)
	test.Assert(t, !strings.HasPrefix(lines[0], "[AUDIT] "), "plain line was audit tagged")
	test.Assert(t, strings.HasPrefix(lines[1], "[AUDIT] "), "audit info line not tagged")
	test.Assert(t, strings.HasPrefix(lines[2], "[AUDIT] "), "audit error line not tagged")
	test.AssertNotContains(t, lines[1], "audit=true")
	test.AssertContains(t, lines[2], "error=\"bad tag\"")
	test.AssertContains(t, lines[2], "instance=7")
}

func TestContextWithCarriesAttrs(t *testing.T) {
	ctx, buf := newTestContext(slog.LevelDebug)
	ctx = ContextWith(ctx, Batch("b-1"), Cert("www.example.com"))

	Debug(ctx, "planning")
	Warn(ctx, "expiring soon", slog.Int("days", 3))

	out := buf.String()
	test.AssertEquals(t, strings.Count(out, "batch=b-1"), 2)
	test.AssertContains(t, out, "cert=www.example.com")
	test.AssertContains(t, out, "days=3")
}

func TestLevelFiltering(t *testing.T) {
	ctx, buf := newTestContext(slog.LevelWarn)
	Info(ctx, "hidden")
	Warn(ctx, "shown")
	test.AssertNotContains(t, buf.String(), "hidden")
	test.AssertContains(t, buf.String(), "shown")
}

func TestMissingLoggerPanics(t *testing.T) {
	defer func() {
		test.Assert(t, recover() != nil, "expected a panic without a logger in the context")
	}()
	Info(context.Background(), "nobody listening")
}

func TestChecksumWriter(t *testing.T) {
	var buf bytes.Buffer
	w := &checksumWriter{inner: &buf}
	_, err := w.Write([]byte("hello\n"))
	test.AssertNotError(t, err, "writing through checksumWriter")
	test.AssertEquals(t, buf.String(), LogLineChecksum("hello\n")+" hello\n")
	test.AssertNotEquals(t, LogLineChecksum("hello\n"), LogLineChecksum("hellp\n"))
}

func TestSlogLevelMapping(t *testing.T) {
	test.AssertEquals(t, slogLevel(7), slog.LevelDebug)
	test.AssertEquals(t, slogLevel(6), slog.LevelInfo)
	test.AssertEquals(t, slogLevel(4), slog.LevelWarn)
	test.AssertEquals(t, slogLevel(3), slog.LevelError)
}

func TestNewRejectsAllDisabled(t *testing.T) {
	_, err := New(Config{StdoutLevel: -1, SyslogLevel: -1}, "serverpki")
	test.AssertError(t, err, "expected error with every output disabled")
}
