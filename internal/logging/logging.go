// Package logging builds the process logger: human-readable text in
// development, JSON in production, optionally written to a rotating file.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Env   string
	Level string
	// File routes output to a size-rotated file instead of stderr.
	File string
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New returns the logger and a closer for its sink. It also installs the
// logger as the slog default so the standard log package ends up there too.
func New(opts Options) (*slog.Logger, io.Closer) {
	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10,
			MaxBackups: 5,
			MaxAge:     14,
			Compress:   true,
		}
		out, closer = rotating, rotating
	}

	logger := slog.New(newHandler(out, opts))
	slog.SetDefault(logger)
	return logger, closer
}

func newHandler(out io.Writer, opts Options) slog.Handler {
	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level, opts.Env)}
	switch strings.ToLower(opts.Env) {
	case "production", "prod":
		return slog.NewJSONHandler(out, handlerOpts)
	default:
		return slog.NewTextHandler(out, handlerOpts)
	}
}

// ParseLevel maps LOG_LEVEL to a slog level. Unset means debug in
// development and info in production.
func ParseLevel(level string, env string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	switch strings.ToLower(env) {
	case "production", "prod":
		return slog.LevelInfo
	}
	return slog.LevelDebug
}

// Discard is a logger for tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
