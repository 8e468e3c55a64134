// Package logging builds the run logger. Every line carries a run_id so
// interleaved or archived logs can be split per invocation.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

// New returns a zerolog logger writing to stderr: JSON lines when jsonOut is
// set, a console format otherwise.
func New(jsonOut bool, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	var w io.Writer = os.Stderr
	if !jsonOut {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().
		Timestamp().
		Str("run_id", xid.New().String()).
		Logger()
}
