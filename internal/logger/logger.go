// Package logger builds the zerolog logger shared by the daemon's components.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns a JSON logger writing to stdout at the named level
// ("debug", "info", "warn", "error"). Unknown levels fall back to info.
func New(level string) zerolog.Logger {
	return NewWithOutput(os.Stdout, level)
}

// NewWithOutput is New with an explicit writer.
func NewWithOutput(w io.Writer, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(w).
		With().
		Timestamp().
		Logger().
		Level(ParseLevel(level))
}

// Component returns a child logger tagged with the component name.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

func ParseLevel(level string) zerolog.Level {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return parsed
}
