package frame

import (
	"bytes"
	"iter"
	"time"
)

const DefaultMaxDelay = 500 * time.Millisecond

// DropFunc observes a buffer flush caused by a stalled producer.
type DropFunc func(dropped int, gap time.Duration)

// Buffer accumulates stream bytes for one connection and splits them on a
// terminator. Stale content is dropped, never resynchronized.
type Buffer struct {
	data     []byte
	last     time.Time
	maxDelay time.Duration
	now      func() time.Time
	onDrop   DropFunc
}

// NewBuffer creates an empty buffer. maxDelay <= 0 disables staleness drops.
func NewBuffer(maxDelay time.Duration) *Buffer {
	return &Buffer{maxDelay: maxDelay, now: time.Now}
}

// Append adds data after discarding buffered bytes older than maxDelay.
func (b *Buffer) Append(data []byte) {
	now := b.now()
	if len(b.data) > 0 && b.maxDelay > 0 {
		if gap := now.Sub(b.last); gap > b.maxDelay {
			dropped := len(b.data)
			b.data = b.data[:0]
			if b.onDrop != nil {
				b.onDrop(dropped, gap)
			}
		}
	}
	b.data = append(b.data, data...)
	b.last = now
}

// Frames yields every complete frame in arrival order, consuming each frame
// and its terminator. The trailing partial frame stays buffered.
func (b *Buffer) Frames(terminator []byte) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		if len(terminator) == 0 {
			return
		}
		for {
			idx := bytes.Index(b.data, terminator)
			if idx < 0 {
				return
			}
			msg := make([]byte, idx)
			copy(msg, b.data[:idx])
			b.data = append(b.data[:0], b.data[idx+len(terminator):]...)
			if !yield(msg) {
				return
			}
		}
	}
}

// Len reports buffered byte count.
func (b *Buffer) Len() int {
	return len(b.data)
}

// StripBytes returns a copy of data without any of the listed byte values.
func StripBytes(data []byte, remove ...byte) []byte {
	out := make([]byte, 0, len(data))
	for _, c := range data {
		if bytes.IndexByte(remove, c) >= 0 {
			continue
		}
		out = append(out, c)
	}
	return out
}
