// Package logging builds the zerolog.Logger schedulerd runs with, keeping
// the level-parsing and console/JSON output-mode choice in one place
// instead of scattered across main and tests.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds a logger writing to w. In a terminal (isatty) it uses
// zerolog's pretty ConsoleWriter; otherwise it emits one JSON object per
// line, suitable for a log aggregator.
func New(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	out := w
	if f, ok := w.(*os.File); ok && isTerminal(f) {
		out = zerolog.ConsoleWriter{Out: f, TimeFormat: "15:04:05"}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

func isTerminal(f *os.File) bool {
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return stat.Mode()&os.ModeCharDevice != 0
}

// ForComponent returns a child logger tagged with a "component" field, the
// convention the rest of this codebase uses to separate scheduler core,
// poller, and control-socket log lines in aggregated output.
func ForComponent(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
