package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger set by Init. Library code takes a
// zerolog.Logger argument instead of reading this.
var Logger = zerolog.Nop()

// Init builds the service logger, stores it in Logger and returns it.
// format "console" gives the human-readable writer, anything else JSON.
func Init(serviceName, level, format string) zerolog.Logger {
	var w io.Writer = os.Stderr
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}
	Logger = New(w, serviceName, level)
	return Logger
}

// New builds a logger writing to w at the given level.
func New(w io.Writer, serviceName, level string) zerolog.Logger {
	return zerolog.New(w).
		Level(ParseLevel(level)).
		With().
		Str("service", serviceName).
		Timestamp().
		Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithJob returns a child logger tagged with the job's identity.
func WithJob(l zerolog.Logger, jobID, jobType string) *zerolog.Logger {
	child := l.With().Str("job_id", jobID).Str("job_type", jobType).Logger()
	return &child
}

// WithCorrelationID returns a child logger tagged with a request id.
func WithCorrelationID(l zerolog.Logger, correlationID string) *zerolog.Logger {
	child := l.With().Str("correlation_id", correlationID).Logger()
	return &child
}
