package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/adred-codev/ws_channels/internal/shared/types"
	"github.com/rs/zerolog"
)

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level   types.LogLevel  // Minimum log level
	Format  types.LogFormat // Output format
	Service string          // "service" field on every entry (default: ws-channels)
	Output  io.Writer       // Destination (default: stdout)
}

// ParseLevel maps a configured level onto zerolog, defaulting to info.
func ParseLevel(level types.LogLevel) zerolog.Level {
	switch types.LogLevel(strings.ToLower(string(level))) {
	case types.LogLevelDebug:
		return zerolog.DebugLevel
	case types.LogLevelWarn:
		return zerolog.WarnLevel
	case types.LogLevelError:
		return zerolog.ErrorLevel
	case types.LogLevelFatal:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a structured logger configured for Loki integration.
//
// JSON output carries a timestamp, the caller and a "service" field. The
// pretty format is meant for local development only.
//
// Example:
//
//	logger := NewLogger(LoggerConfig{Level: types.LogLevelInfo, Format: types.LogFormatJSON})
//	logger.Info().
//	    Str("channel", "general-0").
//	    Int("connections", 100).
//	    Msg("Channel rebalanced")
func NewLogger(config LoggerConfig) zerolog.Logger {
	output := config.Output
	if output == nil {
		output = os.Stdout
	}
	if config.Format == types.LogFormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	service := config.Service
	if service == "" {
		service = "ws-channels"
	}

	return zerolog.New(output).
		Level(ParseLevel(config.Level)).
		With().
		Timestamp().
		Caller().
		Str("service", service).
		Logger()
}

// Component returns a child logger tagged with a component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

// LogError logs an error with additional context fields.
//
// Example:
//
//	LogError(logger, err, "Failed to publish to bus", map[string]any{
//	    "message_id": env.MessageID,
//	})
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// RecoverPanic is a helper for goroutine panic recovery that logs but doesn't exit.
//
// CRITICAL: defer it FIRST in every long-lived goroutine so a bug in one loop
// cannot take the process down.
//
// Example:
//
//	go func() {
//	    defer monitoring.RecoverPanic(logger, "heartbeatLoop", nil)
//	    // ... goroutine work ...
//	}()
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
