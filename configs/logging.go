package configs

import (
	"io"
	"log/slog"
	"strings"
)

// SetupLogging 安装全局slog日志，返回可在运行时调整的级别
func SetupLogging(cfg Log, w io.Writer) *slog.LevelVar {
	level := new(slog.LevelVar)
	level.Set(ParseLogLevel(cfg.Level))

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
	return level
}

// ParseLogLevel parses a string log level to slog.Level
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
