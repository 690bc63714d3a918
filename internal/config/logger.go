package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger builds the JSON logger used by both binaries.
func (a App) Logger() *slog.Logger {
	return NewLogger(os.Stdout, a.LogLevel, a.Env)
}

// NewLogger writes JSON records at or above level to w, tagged with env.
func NewLogger(w io.Writer, level, env string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})).With("env", env)
}
