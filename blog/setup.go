package blog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"os"
	"strings"
)

// Config selects where log lines go. Levels use syslog numbering: 7 is
// debug, 6 info, 4 warning, 3 error and below. -1 disables an output.
type Config struct {
	StdoutLevel int    `yaml:"stdoutLevel" validate:"min=-1,max=7"`
	SyslogLevel int    `yaml:"syslogLevel" validate:"min=-1,max=7"`
	Facility    string `yaml:"facility" validate:"omitempty,oneof=daemon user local0 local1 local2 local3 local4 local5 local6 local7"`
	// JSON switches stdout to JSON lines. Syslog output is always text.
	JSON bool `yaml:"json"`
}

var facilities = map[string]syslog.Priority{
	"daemon": syslog.LOG_DAEMON,
	"user":   syslog.LOG_USER,
	"local0": syslog.LOG_LOCAL0,
	"local1": syslog.LOG_LOCAL1,
	"local2": syslog.LOG_LOCAL2,
	"local3": syslog.LOG_LOCAL3,
	"local4": syslog.LOG_LOCAL4,
	"local5": syslog.LOG_LOCAL5,
	"local6": syslog.LOG_LOCAL6,
	"local7": syslog.LOG_LOCAL7,
}

func slogLevel(syslogLevel int) slog.Level {
	switch {
	case syslogLevel >= 7:
		return slog.LevelDebug
	case syslogLevel >= 5:
		return slog.LevelInfo
	case syslogLevel == 4:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// New builds the process logger. The syslog side is checksummed; stdout is
// not, since it is meant for an operator watching the run.
func New(cfg Config, tag string) (*slog.Logger, error) {
	var handlers []slog.Handler
	if cfg.StdoutLevel >= 0 {
		opts := &slog.HandlerOptions{Level: slogLevel(cfg.StdoutLevel)}
		if cfg.JSON {
			handlers = append(handlers, newAuditHandler(slog.NewJSONHandler, os.Stdout, opts))
		} else {
			handlers = append(handlers, newAuditHandler(slog.NewTextHandler, os.Stdout, opts))
		}
	}
	if cfg.SyslogLevel >= 0 {
		facility := syslog.LOG_DAEMON
		if cfg.Facility != "" {
			f, ok := facilities[strings.ToLower(cfg.Facility)]
			if !ok {
				return nil, fmt.Errorf("unknown syslog facility %q", cfg.Facility)
			}
			facility = f
		}
		w, err := syslog.New(facility|syslog.LOG_INFO, tag)
		if err != nil {
			return nil, fmt.Errorf("connecting to syslog: %w", err)
		}
		opts := &slog.HandlerOptions{Level: slogLevel(cfg.SyslogLevel)}
		handlers = append(handlers, newAuditHandler(slog.NewTextHandler, &checksumWriter{inner: w}, opts))
	}
	if len(handlers) == 0 {
		return nil, errors.New("both stdout and syslog logging are disabled")
	}
	if len(handlers) == 1 {
		return slog.New(handlers[0]), nil
	}
	return slog.New(fanout(handlers)), nil
}

// NewWriter builds a logger writing text lines to w at the given slog level.
// Tests use it to capture output.
func NewWriter(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(newAuditHandler(slog.NewTextHandler, w, &slog.HandlerOptions{Level: level}))
}

// fanout hands every record to each of its handlers.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
