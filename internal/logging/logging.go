package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger. Dev environments get a human-readable console
// writer; everything else emits JSON lines for log shipping.
func New(env, service string) zerolog.Logger {
	var out io.Writer = os.Stderr
	if env == "dev" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}
	return zerolog.New(out).With().
		Timestamp().
		Str("service", service).
		Logger()
}
