// Package observability provides structured logging and metrics for Kotae.
//
// Logging wraps log/slog with trace ID propagation so that every log line
// emitted while handling an event carries the trace context. Metrics are Prometheus collectors on a private registry.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/bdobrica/Kotae/common/trace"
)

// Options controls Setup.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	// File, when set, receives a rotated copy of every line in addition to
	// stdout.
	File string
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup configures the global slog logger. The returned LevelVar can be
// adjusted later to change verbosity without rebuilding the handler; the
// returned closer releases the log file, if any.
func Setup(opts Options) (*slog.LevelVar, io.Closer) {
	lvl := new(slog.LevelVar)
	lvl.Set(ParseLevel(opts.Level))

	var (
		out    io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)
	if opts.File != "" {
		rot := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		out = io.MultiWriter(os.Stdout, rot)
		closer = rot
	}

	slog.SetDefault(slog.New(NewHandler(out, opts.Format, lvl)))
	return lvl, closer
}

// NewHandler builds the text or JSON handler used by Setup.
func NewHandler(w io.Writer, format string, level slog.Leveler) slog.Handler {
	hopts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, hopts)
	}
	return slog.NewTextHandler(w, hopts)
}

// WithTrace returns a child logger that always includes the trace_id from ctx.
func WithTrace(ctx context.Context) *slog.Logger {
	traceID := trace.FromContext(ctx)
	if traceID == "" {
		return slog.Default()
	}
	return slog.With("trace_id", traceID)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
