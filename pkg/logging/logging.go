package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/MatusOllah/slogcolor"

	"github.com/Thomazoide/av-monitor/pkg/config"
)

// New builds the process logger. "console" writes colourised text, "json"
// writes one JSON object per line.
func New(cfg config.LoggingSettings, w io.Writer) (*slog.Logger, error) {
	level := parseLevel(cfg.Level)

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "console", "":
		opts := *slogcolor.DefaultOptions
		opts.Level = level
		return slog.New(slogcolor.NewHandler(w, &opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     level,
			AddSource: level <= slog.LevelDebug,
		})), nil
	default:
		return nil, fmt.Errorf("log format: unsupported value %q", cfg.Format)
	}
}

func parseLevel(level string) slog.Level {
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
