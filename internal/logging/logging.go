// File: internal/logging/logging.go
// Package logging builds the process-wide zerolog logger. Components
// derive their own child loggers with a component field.

package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a console logger tagged with the application name.
func New(app string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).With().Timestamp().Str("app", app).Logger()
}

// NewWriter returns a plain JSON logger writing to w. Used by tests to
// capture output.
func NewWriter(app string, w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Str("app", app).Logger()
}
