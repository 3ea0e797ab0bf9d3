package upstream

import (
	"context"
	"time"

	"github.com/danmuck/racefwd/internal/observability"
	"github.com/danmuck/racefwd/internal/timing"
	"github.com/rs/zerolog"
)

// Delivery is one read handed off by a connection.
type Delivery struct {
	Protocol string
	ConnID   string
	Read     timing.Read
	// OnDelivered runs once after the ingest API accepted the read.
	OnDelivered func()
}

// Dispatcher hands reads to the ingest API without blocking the caller.
// OnDelivered must never run on the calling goroutine.
type Dispatcher interface {
	Dispatch(d Delivery)
}

// FireAndForget posts each read in its own goroutine. Failures are logged and
// the read is discarded.
type FireAndForget struct {
	submitter Submitter
	logger    zerolog.Logger
	timeout   time.Duration
}

func NewFireAndForget(submitter Submitter, logger zerolog.Logger) *FireAndForget {
	return &FireAndForget{
		submitter: submitter,
		logger:    logger,
		timeout:   30 * time.Second,
	}
}

func (f *FireAndForget) Dispatch(d Delivery) {
	go f.deliver(d)
}

func (f *FireAndForget) deliver(d Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	if err := f.submitter.SendTimingReads(ctx, []timing.Read{d.Read}); err != nil {
		observability.RecordReadDropped(d.Protocol, "upstream")
		f.logger.Warn().
			Err(err).
			Str("protocol", d.Protocol).
			Str("conn_id", d.ConnID).
			Str("chip_id", d.Read.ChipID).
			Msg("timing read discarded")
		return
	}
	delivered(d, f.logger)
}

func delivered(d Delivery, logger zerolog.Logger) {
	observability.RecordReadForwarded(d.Protocol)
	if d.OnDelivered != nil {
		d.OnDelivered()
	}
	logger.Info().
		Str("protocol", d.Protocol).
		Str("conn_id", d.ConnID).
		Str("chip_id", d.Read.ChipID).
		Str("timing_id", d.Read.TimingID).
		Str("timestamp", d.Read.Timestamp).
		Msg("timing read forwarded")
}
