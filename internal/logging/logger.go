// Package logging configures the process-wide zerolog logger and the field
// helpers used to tag log lines with hosts, devices and batches.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. Init replaces it.
var Logger zerolog.Logger

type loggerKey struct{}

// Config holds logging configuration.
type Config struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string

	// Format is json or console.
	Format string

	// Output defaults to stderr.
	Output io.Writer

	EnableCaller bool
}

// DefaultConfig logs info and above to stderr in console format.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "console", Output: os.Stderr}
}

// Init rebuilds Logger from cfg.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.TimeFieldFormat = time.RFC3339

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	zc := zerolog.New(out).With().Timestamp()
	if cfg.EnableCaller {
		zc = zc.Caller()
	}
	Logger = zc.Logger()
}

// parseLevel maps a config level to zerolog, accepting "warning" and
// falling back to info for anything unknown.
func parseLevel(level string) zerolog.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	l, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return l
}

// WithContext stores logger in ctx for FromContext.
func WithContext(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger stored by WithContext, or Logger.
func FromContext(ctx context.Context) zerolog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey{}).(zerolog.Logger); ok {
			return l
		}
	}
	return Logger
}

func Debug() *zerolog.Event {
	return Logger.Debug()
}

func Info() *zerolog.Event {
	return Logger.Info()
}

func Warn() *zerolog.Event {
	return Logger.Warn()
}

// Component creates a logger with a component field.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// WithHost tags l with a remote host (user@host).
func WithHost(l zerolog.Logger, host string) zerolog.Logger {
	return l.With().Str("host", host).Logger()
}

// WithDevice tags l with an adb serial.
func WithDevice(l zerolog.Logger, serial string) zerolog.Logger {
	return l.With().Str("device", serial).Logger()
}

// WithBatch tags l with a batch run id and its action.
func WithBatch(l zerolog.Logger, batchID, action string) zerolog.Logger {
	return l.With().Str("batch_id", batchID).Str("action", action).Logger()
}

func init() {
	Init(DefaultConfig())
}
