package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init installs the global console logger on stderr. The level names
// follow LOG_LEVEL: dev/debug, info, warn, error/prod. Anything else
// defaults to info.
func Init(level string) {
	InitWriter(os.Stderr, level)
}

// InitWriter is Init with an explicit destination, for the terminal view
// which owns stderr while it runs.
func InitWriter(out io.Writer, level string) {
	w := zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(ParseLevel(level))
}

// ParseLevel maps a LOG_LEVEL name to a zerolog level.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "dev", "development", "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error", "production", "prod":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
