// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures zerolog for the process, writing to stderr.
func Setup(environment, level string) zerolog.Logger {
	return SetupWithWriter(environment, level, os.Stderr)
}

// SetupWithWriter configures zerolog to write to out. Development gets a
// human-readable console writer at debug level, everything else JSON at
// info. A non-empty level overrides the default.
func SetupWithWriter(environment, level string, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl := zerolog.InfoLevel
	w := out
	if environment == "development" {
		lvl = zerolog.DebugLevel
		w = zerolog.ConsoleWriter{Out: out, NoColor: true}
	}
	if level != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil {
			lvl = parsed
		}
	}

	logger := zerolog.New(w).With().Timestamp().Logger().Level(lvl)
	log.Logger = logger
	return logger
}
