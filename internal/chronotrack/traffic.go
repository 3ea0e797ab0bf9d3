package chronotrack

import (
	"io"

	"github.com/rs/zerolog"
)

// NewTrafficLogger writes one JSON line per frame exchanged with clients.
func NewTrafficLogger(w io.Writer) zerolog.Logger {
	if w == nil {
		return zerolog.Nop()
	}
	return zerolog.New(w).With().Timestamp().Str("protocol", Name).Logger()
}
