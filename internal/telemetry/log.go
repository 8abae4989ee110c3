package telemetry

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

const (
	LogFormatJSON = "json"
	LogFormatText = "text"
)

type LogConfig struct {
	// Level is one of debug, info, warn or error.
	Level  string
	Format string
}

// SetupLogger installs a handler writing to w as the default slog logger.
func SetupLogger(w io.Writer, c LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.Level))); err != nil && c.Level != "" {
		return nil, fmt.Errorf("telemetry: log level %q: %w", c.Level, err)
	}

	opts := &slog.HandlerOptions{
		AddSource: level <= slog.LevelDebug,
		Level:     level,
	}

	var h slog.Handler
	switch strings.ToLower(c.Format) {
	case LogFormatJSON, "":
		h = slog.NewJSONHandler(w, opts)
	case LogFormatText:
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("telemetry: unsupported log format %q", c.Format)
	}

	l := slog.New(h)
	slog.SetDefault(l)
	return l, nil
}
