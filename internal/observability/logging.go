// Package observability holds logging and metrics setup shared by the
// server and the CLI.
package observability

import (
	"os"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger. Unknown levels fall back to
// info; pretty switches to the console writer for local runs.
func NewLogger(level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(lvl).With().Timestamp().Logger()
}
