package config

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogging sets the global level and output and returns the root logger
// components derive their own loggers from.
func SetupLogging(level, format string) zerolog.Logger {
	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if strings.EqualFold(format, "json") {
		out = os.Stderr
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return log.Logger
}
