package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// parseLevel maps the configured logging.level string onto a slog.Level.
func parseLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("logging.level %q is not recognized", level)
	}
}

// Level returns the parsed slog.Level for this LoggingConfig, defaulting to
// Info for an empty or invalid value.
func (c LoggingConfig) Level() slog.Level {
	level, err := parseLevel(c.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}
