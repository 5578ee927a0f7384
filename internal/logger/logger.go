package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns the service logger. Development gets a human readable console
// writer, every other environment logs JSON lines.
func New(environment string) zerolog.Logger {
	return newWithWriter(environment, os.Stdout)
}

func newWithWriter(environment string, w io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	out := w
	if environment == "development" {
		level = zerolog.DebugLevel
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", "transit-analytics").
		Str("env", environment).
		Logger()
}
