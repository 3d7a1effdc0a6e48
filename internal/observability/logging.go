package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger creates a structured JSON logger on stdout for one component.
// An empty level falls back to POOL_LOG_LEVEL, then info.
func NewLogger(component, level string) zerolog.Logger {
	return NewLoggerTo(os.Stdout, component, level)
}

// NewLoggerTo is NewLogger with an explicit sink.
func NewLoggerTo(w io.Writer, component, level string) zerolog.Logger {
	if level == "" {
		level = os.Getenv("POOL_LOG_LEVEL")
	}

	return zerolog.New(w).
		Level(ParseLogLevel(level)).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// ParseLogLevel maps a config string to a zerolog level. Unknown values
// fall back to info.
func ParseLogLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
