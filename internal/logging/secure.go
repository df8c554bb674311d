// Package logging provides secure logging utilities with credential sanitization.
package logging

import (
	"time"

	"github.com/olegiv/go-logger"
	internalerrors "github.com/olegiv/accesslog-anomaly-go/internal/errors"
	"github.com/rs/zerolog"
)

// SecureLogger wraps a zerolog logger and sanitizes all string values so that
// endpoint credentials, API keys and bot tokens never reach the log output.
type SecureLogger struct {
	zl    zerolog.Logger
	close func() error
}

// NewSecure creates a SecureLogger around a go-logger instance.
func NewSecure(log *logger.Logger) *SecureLogger {
	return &SecureLogger{
		zl:    log.With().Logger(),
		close: log.Close,
	}
}

// NewFromZerolog creates a SecureLogger writing through zl.
func NewFromZerolog(zl zerolog.Logger) *SecureLogger {
	return &SecureLogger{zl: zl}
}

// NewNop returns a SecureLogger that discards everything.
func NewNop() *SecureLogger {
	return NewFromZerolog(zerolog.Nop())
}

// Stage returns a child logger tagged with the pipeline stage name.
func (s *SecureLogger) Stage(name string) *SecureLogger {
	return &SecureLogger{
		zl: s.zl.With().Str("stage", name).Logger(),
	}
}

// SecureEvent wraps a zerolog Event to provide secure string methods.
type SecureEvent struct {
	event *zerolog.Event
}

// Info starts a new info-level log event.
func (s *SecureLogger) Info() *SecureEvent {
	return &SecureEvent{event: s.zl.Info()}
}

// Debug starts a new debug-level log event.
func (s *SecureLogger) Debug() *SecureEvent {
	return &SecureEvent{event: s.zl.Debug()}
}

// Warn starts a new warn-level log event.
func (s *SecureLogger) Warn() *SecureEvent {
	return &SecureEvent{event: s.zl.Warn()}
}

// Error starts a new error-level log event.
func (s *SecureLogger) Error() *SecureEvent {
	return &SecureEvent{event: s.zl.Error()}
}

// Close closes the underlying logger, if it owns one.
func (s *SecureLogger) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// Str adds a sanitized string field to the log event.
func (e *SecureEvent) Str(key, val string) *SecureEvent {
	e.event.Str(key, internalerrors.SanitizeString(val))
	return e
}

// Int adds an integer field to the log event.
func (e *SecureEvent) Int(key string, val int) *SecureEvent {
	e.event.Int(key, val)
	return e
}

// Int64 adds an int64 field to the log event.
func (e *SecureEvent) Int64(key string, val int64) *SecureEvent {
	e.event.Int64(key, val)
	return e
}

// Float64 adds a float64 field to the log event.
func (e *SecureEvent) Float64(key string, val float64) *SecureEvent {
	e.event.Float64(key, val)
	return e
}

// Bool adds a boolean field to the log event.
func (e *SecureEvent) Bool(key string, val bool) *SecureEvent {
	e.event.Bool(key, val)
	return e
}

// Dur adds a duration field to the log event.
func (e *SecureEvent) Dur(key string, val time.Duration) *SecureEvent {
	e.event.Dur(key, val)
	return e
}

// Err adds a sanitized error field to the log event.
func (e *SecureEvent) Err(err error) *SecureEvent {
	if err != nil {
		e.event.Err(internalerrors.SanitizeError(err))
	}
	return e
}

// Msg sends the log event with a sanitized message.
func (e *SecureEvent) Msg(msg string) {
	e.event.Msg(internalerrors.SanitizeString(msg))
}

// Msgf sends a formatted log event. Only string and error arguments are sanitized.
func (e *SecureEvent) Msgf(format string, v ...interface{}) {
	sanitizedArgs := make([]interface{}, len(v))
	for i, arg := range v {
		switch a := arg.(type) {
		case string:
			sanitizedArgs[i] = internalerrors.SanitizeString(a)
		case error:
			sanitizedArgs[i] = internalerrors.SanitizeError(a)
		default:
			sanitizedArgs[i] = arg
		}
	}
	e.event.Msgf(format, sanitizedArgs...)
}
