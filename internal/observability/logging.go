package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns the logger of one long-lived component. Output is JSON
// on stdout; PERPAMM_LOG_FORMAT=console switches to human-readable lines
// for local runs. PERPAMM_LOG_LEVEL defaults to info.
func NewLogger(component string) zerolog.Logger {
	return newLogger(os.Stdout, component, os.Getenv("PERPAMM_LOG_LEVEL"), os.Getenv("PERPAMM_LOG_FORMAT"))
}

func newLogger(w io.Writer, component, level, format string) zerolog.Logger {
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).
		Level(parseLogLevel(level)).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// parseLogLevel falls back to info on empty or unknown input.
func parseLogLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
