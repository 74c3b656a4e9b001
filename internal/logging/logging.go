package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options select where logs go. An empty File logs to stderr.
type Options struct {
	File string
}

func Init(opts Options) {
	level := ParseLevel(os.Getenv("LOG_LEVEL"))

	file := opts.File
	if file == "" {
		file = os.Getenv("LOG_FILE")
	}

	var out io.Writer = os.Stderr
	if file != "" {
		out = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     7, // days
		}
		// A file captures the session, so default to info there.
		if _, ok := os.LookupEnv("LOG_LEVEL"); !ok {
			level = slog.LevelInfo
		}
	}

	logger := slog.New(
		slog.NewTextHandler(out, &slog.HandlerOptions{
			Level: level,
		}),
	)
	slog.SetDefault(logger)
}

// ParseLevel maps LOG_LEVEL values; unknown or empty means production.
func ParseLevel(l string) slog.Level {
	switch l {
	case "dev", "development", "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	default:
		return slog.LevelError // default: production only shows errors
	}
}
