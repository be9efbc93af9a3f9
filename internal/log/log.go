// Package log configures structured logging for voiceturn.
// It wraps slog and can hand records to the OpenTelemetry log pipeline instead of a writer.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const otelScope = "github.com/kiranaai/voiceturn"

// Options selects the handler built by New.
type Options struct {
	Level  string
	Format string
	// OTel routes records through the otelslog bridge. Level and Format are ignored.
	OTel   bool
	Writer io.Writer
}

// New builds a logger. Valid levels: "debug", "info", "warn", "error".
func New(opts Options) *slog.Logger {
	if opts.OTel {
		return otelslog.NewLogger(otelScope)
	}
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	if strings.EqualFold(opts.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// Init builds a logger and installs it as the slog default.
func Init(opts Options) *slog.Logger {
	logger := New(opts)
	slog.SetDefault(logger)
	return logger
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
