// Package log configures the process-wide zerolog logger.
package log

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config captures options for configuring the base logger.
type Config struct {
	Level   string    // "debug", "info", "warn", "error"; falls back to LOOPCAST_LOG_LEVEL
	Output  io.Writer // defaults to os.Stderr
	Service string
	Pretty  bool // human-readable console output
}

var (
	mu         sync.Mutex
	configured bool
	base       zerolog.Logger
)

// Configure initialises the base logger. Only the first call takes effect.
func Configure(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	if configured {
		return
	}
	configured = true

	level := ParseLevel(cfg.Level)
	if strings.TrimSpace(cfg.Level) == "" {
		level = ParseLevel(os.Getenv("LOOPCAST_LOG_LEVEL"))
	}
	zerolog.TimeFieldFormat = time.RFC3339

	writer := cfg.Output
	if writer == nil {
		writer = os.Stderr
	}
	if cfg.Pretty {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: time.Kitchen}
	}

	service := cfg.Service
	if service == "" {
		service = "loopcast"
	}

	base = zerolog.New(writer).Level(level).With().
		Timestamp().
		Str("service", service).
		Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(raw string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "trace":
		return zerolog.TraceLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetLevel changes the base logger's level. Loggers derived before the call
// keep their level.
func SetLevel(raw string) {
	Configure(Config{})
	mu.Lock()
	defer mu.Unlock()
	base = base.Level(ParseLevel(raw))
}

// Base returns the configured base logger, configuring defaults on first use.
func Base() zerolog.Logger {
	Configure(Config{})
	mu.Lock()
	defer mu.Unlock()
	return base
}

// WithComponent returns a child logger annotated with the given component name.
func WithComponent(component string) zerolog.Logger {
	return Base().With().Str("component", component).Logger()
}

// Nop is a disabled logger for tests and optional collaborators.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
