package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level   string // Minimum log level: debug, info, warn, error
	Format  string // Output format: json, pretty
	Service string // Service name attached to every event
}

// NewLogger creates a structured logger configured for log aggregation.
//
// Features:
//   - Structured JSON output
//   - Contextual fields for filtering
//   - Timestamp and caller information
//
// Example:
//
//	logger := NewLogger(LoggerConfig{Level: "info", Format: "json", Service: "relay"})
//	logger.Info().Int("clients", 100).Msg("Server started")
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch config.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	service := config.Service
	if service == "" {
		service = "relay"
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", service).
		Logger()
}

// RecoverPanic is a helper for goroutine panic recovery that logs but doesn't
// exit. Use in defer blocks of long-lived goroutines so a single client's
// pump cannot take down the process.
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))

		for k, v := range fields {
			event = event.Interface(k, v)
		}

		event.Msg("Goroutine panic recovered")
	}
}
