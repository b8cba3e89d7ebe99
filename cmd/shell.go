// Package cmd provides utilities that underlie the specific commands.
package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/jmhodges/clock"
	"github.com/letsencrypt/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gopkg.in/yaml.v3"

	"github.com/serverpki/serverpki/blog"
)

// Because we don't know when this init will be called with respect to
// flag.Parse() and other flag definitions, we can't rely on the regular
// flag mechanism. But this one is fine.
func init() {
	for _, v := range os.Args {
		if v == "--version" || v == "-version" {
			fmt.Println(VersionString())
			os.Exit(0)
		}
	}
}

// Command returns the name of the running binary, which is the subcommand
// when serverpki was started through a symlink.
func Command() string {
	return path.Base(os.Args[0])
}

// VersionString produces a friendly application version string.
func VersionString() string {
	version, revision, buildTime := "unknown", "unknown", "unknown"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" {
			version = info.Main.Version
		}
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				revision = s.Value
			case "vcs.time":
				buildTime = s.Value
			}
		}
	}
	return fmt.Sprintf("Versions: %s=(%s %s %s) Golang=(%s)", Command(), version, revision, buildTime, runtime.Version())
}

// ReadConfigFile takes a file path as an argument and attempts to unmarshal
// its content into out. Files ending in .json are read as JSON, everything
// else as YAML. Unknown keys are an error in both.
func ReadConfigFile(filename string, out any) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	if strings.EqualFold(filepath.Ext(filename), ".json") {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(out)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	err = dec.Decode(out)
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("config file %q is empty", filename)
	}
	return err
}

// ValidateConfig decodes filename into the config of cv and runs the
// struct validators over it.
func ValidateConfig(cv *ConfigValidator, filename string) error {
	if cv == nil || cv.Config == nil {
		return errors.New("config validator has no config")
	}
	err := ReadConfigFile(filename, cv.Config)
	if err != nil {
		return err
	}
	validate := validator.New()
	for tag, v := range cv.Validators {
		err := validate.RegisterValidation(tag, v)
		if err != nil {
			return err
		}
	}
	return validate.Struct(cv.Config)
}

// StatsAndLogging sets up a prometheus registry and the process logger. The
// logger becomes the slog default and the sink of the mysql, redis and
// stdlib loggers.
func StatsAndLogging(logConf blog.Config, tag string) (*prometheus.Registry, *slog.Logger) {
	logger, err := blog.New(logConf, tag)
	FailOnError(err, "Could not set up logging")
	slog.SetDefault(logger)
	blog.InitAdapters(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return registry, logger
}

// WriteMetrics writes the metrics gathered so far to filename in the
// node_exporter textfile format. An empty filename does nothing.
func WriteMetrics(gatherer prometheus.Gatherer, filename string) error {
	if filename == "" {
		return nil
	}
	return prometheus.WriteToTextfile(filename, gatherer)
}

// Clock returns a clock.Clock. If the FAKECLOCK environment variable is set
// to a time in time.UnixDate format, the clock is a fake one set to that
// time. This is only meant for integration tests.
func Clock() clock.Clock {
	if tgt := os.Getenv("FAKECLOCK"); tgt != "" {
		targetTime, err := time.Parse(time.UnixDate, tgt)
		FailOnError(err, fmt.Sprintf("cmd.Clock: bad format for FAKECLOCK: %v\n", err))

		cl := clock.NewFake()
		cl.Set(targetTime)
		slog.Warn("Time was set via FAKECLOCK", slog.Time("time", targetTime))
		return cl
	}
	return clock.New()
}

// CatchSignals returns a context that is canceled on SIGTERM, SIGINT or
// SIGHUP. A second signal exits right away.
func CatchSignals() (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	go func() {
		<-ctx.Done()
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
		<-sigChan
		slog.Error("Caught second signal, exiting")
		os.Exit(130)
	}()
	return ctx, cancel
}

// FailOnError exits and prints an error message, but only if we encountered
// a problem and err != nil. err is required but msg can be "".
func FailOnError(err error, msg string) {
	if err == nil {
		return
	}
	if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	slog.Error(err.Error())
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

// Fail exits with msg.
func Fail(msg string) {
	FailOnError(errors.New(msg), "")
}

// AuditPanic catches and logs panics, then exits with a non-zero status.
// Deferred in every main so that a panic ends up in the audit log.
func AuditPanic() {
	err := recover()
	if err == nil {
		return
	}
	ctx := blog.NewContext(context.Background(), slog.Default())
	blog.AuditError(ctx, "Panic", fmt.Errorf("%v", err), slog.String("stack", string(debug.Stack())))
	os.Exit(1)
}
