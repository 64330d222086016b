package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// ParseLevel converts a configured level name to a slog.Level.
// Unknown names map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger creates the process logger: text to stderr and, when
// cfg.File is set, JSON to that file as well. The returned cleanup closes
// the file.
func SetupLogger(cfg LogConfig, stderr io.Writer, verbose bool) (*slog.Logger, func() error, error) {
	level := ParseLevel(cfg.Level)
	if verbose {
		level = slog.LevelDebug
	}

	stderrHandler := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})
	if cfg.File == "" {
		return slog.New(stderrHandler), func() error { return nil }, nil
	}

	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return SetupLoggerWithWriters(stderr, file, level), file.Close, nil
}

// SetupLoggerWithWriters fans out to a text handler on stderr and a JSON
// handler on file.
func SetupLoggerWithWriters(stderr, file io.Writer, level slog.Level) *slog.Logger {
	stderrHandler := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(stderrHandler, fileHandler))
}
