// Package log configures the process-wide slog logger for the treadmill
// commands.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	logger *slog.Logger
	level  = new(slog.LevelVar)
	once   sync.Once
)

// ParseLevel maps "debug", "info", "warn" or "error" to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// New returns a logger writing to w. JSON output is used when GO_ENV is
// "production", text otherwise.
func New(w io.Writer, lvl slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: lvl}
	if os.Getenv("GO_ENV") == "production" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Init installs the global logger on stdout. Later calls only change the
// level.
func Init(lvl string) error {
	parsed, err := ParseLevel(lvl)
	level.Set(parsed)
	once.Do(func() {
		logger = New(os.Stdout, level)
		slog.SetDefault(logger)
	})
	return err
}

// SetLevel changes the global logger level.
func SetLevel(lvl slog.Level) {
	level.Set(lvl)
}

// L returns the global logger.
func L() *slog.Logger {
	if logger == nil {
		Init("info")
	}
	return logger
}

// With returns the global logger with attributes.
func With(args ...any) *slog.Logger {
	return L().With(args...)
}
