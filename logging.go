package sup

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the engine's diagnostic logger. Normal runs get a
// terse console writer at Info level; --debug drops to Debug and
// includes caller-relevant fields the transports attach as they work.
func NewLogger(out io.Writer, debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	writer := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: false}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}
