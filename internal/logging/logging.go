package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is re-exported so callers don't import zerolog directly.
type Logger = zerolog.Logger

// New builds the process logger. JSON lines when jsonOut is set, a console
// writer otherwise. Debug lowers the level threshold.
func New(debug, jsonOut bool) Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	var w io.Writer = os.Stderr
	if !jsonOut {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Nop returns a disabled logger for tests and quiet callers.
func Nop() Logger {
	return zerolog.Nop()
}
