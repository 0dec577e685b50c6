// Package logging builds the *slog.Logger used across the engine.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/glimte/rmqengine/config"
)

// Supported output formats
const (
	FormatJSON = "json"
	FormatText = "text"
)

// ParseLevel converts a level name into a slog.Level
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// NewHandler returns the handler for format writing to w
func NewHandler(w io.Writer, format string, level slog.Leveler) (slog.Handler, error) {
	switch strings.ToLower(format) {
	case "", FormatJSON:
		return NewZapHandler(w, level), nil
	case FormatText:
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// New builds a logger from the log configuration writing to w.
// A nil writer means stderr.
func New(cfg config.Log, w io.Writer) (*slog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	handler, err := NewHandler(w, cfg.Format, level)
	if err != nil {
		return nil, err
	}

	return slog.New(handler), nil
}

// Verbose lowers the level of an existing configuration to debug
func Verbose(cfg config.Log) config.Log {
	cfg.Level = "debug"
	return cfg
}
