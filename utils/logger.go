package utils

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var (
	InfoLog  *slog.Logger
	ErrorLog *slog.Logger
)

func init() {
	// Packages log before main configures anything (and in tests).
	InitLogger("info", "kernel")
}

// ParseLevel maps the LOG_LEVEL config value to a slog level.
func ParseLevel(logLevel string) slog.Level {
	switch strings.ToLower(logLevel) {
	case "debug", "trace":
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

// InitLogger configures the global loggers on stdout.
func InitLogger(logLevel string, moduleName string) {
	InitLoggerTo(os.Stdout, logLevel, moduleName)
}

// InitLoggerTo configures the global loggers on w.
func InitLoggerTo(w io.Writer, logLevel string, moduleName string) {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(logLevel),
	})

	logger := slog.New(handler).With("module", moduleName)

	InfoLog = logger
	ErrorLog = logger
	slog.SetDefault(logger)
}
