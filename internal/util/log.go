package util

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// NewLogger builds the process-wide root logger at the requested level,
// falling back to info on unknown levels.
func NewLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(lvl)
}

// Component derives a child logger tagged with the owning component name.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
