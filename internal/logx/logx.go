package logx

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitFromEnv configures zerolog using env vars.
// - LOG_LEVEL  : trace|debug|info|warn|error (default: info)
// - LOG_FORMAT : json|console                (default: json)
// Code logging through zerolog.Ctx without a logger on its context falls
// back to the global logger.
func InitFromEnv() {
	log.Logger = New(os.Stdout, getenv("LOG_LEVEL", "info"), getenv("LOG_FORMAT", "json"))
	zerolog.DefaultContextLogger = &log.Logger
}

// New builds a logger writing to w and sets the global level.
// Timestamps are always UTC RFC3339.
func New(w io.Writer, level, format string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
	zerolog.SetGlobalLevel(parseLevel(level))

	if strings.EqualFold(format, "console") {
		cw := zerolog.NewConsoleWriter(func(cw *zerolog.ConsoleWriter) {
			cw.Out = w
			cw.TimeFormat = time.RFC3339
		})
		return zerolog.New(cw).With().Timestamp().Logger()
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// Progress returns base when progress logging is enabled, a no-op logger otherwise.
func Progress(base zerolog.Logger, enabled bool) zerolog.Logger {
	if !enabled {
		return zerolog.Nop()
	}
	return base
}

// WithContext attaches l to ctx for zerolog.Ctx. A disabled logger is stored
// as a discarding one so it still shadows zerolog.DefaultContextLogger.
func WithContext(ctx context.Context, l zerolog.Logger) context.Context {
	if l.GetLevel() == zerolog.Disabled {
		l = zerolog.New(io.Discard)
	}
	return l.WithContext(ctx)
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// getenv returns the env var value if set and non-empty, otherwise def.
func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}
