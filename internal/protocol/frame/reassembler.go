package frame

import (
	"iter"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Reassembler owns one Buffer per connection id.
type Reassembler struct {
	mu       sync.Mutex
	buffers  map[string]*Buffer
	maxDelay time.Duration
	now      func() time.Time
	logger   zerolog.Logger
	onDrop   func(connID string, dropped int)
}

// Option customizes a Reassembler.
type Option func(*Reassembler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reassembler) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the logger used for stale-buffer warnings.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Reassembler) {
		r.logger = logger
	}
}

// WithDropHook registers a callback invoked after each stale-buffer drop.
func WithDropHook(fn func(connID string, dropped int)) Option {
	return func(r *Reassembler) {
		r.onDrop = fn
	}
}

func NewReassembler(maxDelay time.Duration, opts ...Option) *Reassembler {
	r := &Reassembler{
		buffers:  make(map[string]*Buffer),
		maxDelay: maxDelay,
		now:      time.Now,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Append stores data for connID, creating its buffer on first use.
func (r *Reassembler) Append(connID string, data []byte) {
	r.buffer(connID).Append(data)
}

// Drain yields complete frames for connID split on terminator.
func (r *Reassembler) Drain(connID string, terminator string) iter.Seq[[]byte] {
	return r.buffer(connID).Frames([]byte(terminator))
}

// Buffered reports how many bytes are waiting for a terminator.
func (r *Reassembler) Buffered(connID string) int {
	r.mu.Lock()
	b, ok := r.buffers[connID]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	return b.Len()
}

// Remove forgets connID entirely.
func (r *Reassembler) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buffers, connID)
}

func (r *Reassembler) buffer(connID string) *Buffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buffers[connID]
	if ok {
		return b
	}
	b = NewBuffer(r.maxDelay)
	b.now = r.now
	b.onDrop = func(dropped int, gap time.Duration) {
		r.logger.Warn().
			Str("conn_id", connID).
			Int("dropped_bytes", dropped).
			Dur("gap", gap).
			Dur("allowed_gap", r.maxDelay).
			Msg("reassembly buffer too old, dropped")
		if r.onDrop != nil {
			r.onDrop(connID, dropped)
		}
	}
	r.buffers[connID] = b
	return b
}
