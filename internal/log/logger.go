// Package log holds the process-wide slog logger.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	once   sync.Once
	logger *slog.Logger
)

// ParseLevel maps a level name to a slog level. Unknown names are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup initializes the global logger writing JSON to stdout.
func Setup(level string) {
	SetupFormat(os.Stdout, level, "json")
}

// SetupFormat initializes the global logger writing format ("json" or
// "text") to w. Only the first Setup call of any kind takes effect.
func SetupFormat(w io.Writer, level, format string) {
	once.Do(func() {
		logger = slog.New(NewHandler(w, level, format))
		slog.SetDefault(logger)
	})
}

// NewHandler builds a handler without touching the global logger.
func NewHandler(w io.Writer, level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// Get returns the configured logger, setting up an info-level one on first
// use.
func Get() *slog.Logger {
	if logger == nil {
		Setup("INFO")
	}
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithCall returns l (or the global logger) carrying the call and
// transaction ids.
func WithCall(l *slog.Logger, id, tx string) *slog.Logger {
	if l == nil {
		l = Get()
	}
	return l.With(slog.String("call_id", id), slog.String("tx", tx))
}
