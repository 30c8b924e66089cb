// Package logger builds the zerolog loggers shared by the binaries.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New returns a console logger tagged with the service name. Unknown levels
// fall back to info.
func New(service, level string) zerolog.Logger {
	return NewWithWriter(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}, service, level)
}

// NewWithWriter is New with an explicit sink, used for JSON output and tests.
func NewWithWriter(w io.Writer, service, level string) zerolog.Logger {
	return zerolog.New(w).
		Level(ParseLevel(level)).
		With().
		Str("service", service).
		Timestamp().
		Logger()
}

// ParseLevel maps a config string to a zerolog level.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// WithJobID scopes a logger to one job.
func WithJobID(l zerolog.Logger, jobID string) zerolog.Logger {
	return l.With().Str("job_id", jobID).Logger()
}

// WithWorkerID scopes a logger to one worker goroutine.
func WithWorkerID(l zerolog.Logger, workerID string) zerolog.Logger {
	return l.With().Str("worker_id", workerID).Logger()
}
