package forwarder

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/danmuck/racefwd/internal/observability"
)

const readBufferSize = 4096

type readResult struct {
	data []byte
	err  error
}

func (c *Conn) readLoop(out chan<- readResult) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.sock.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case out <- readResult{data: data}:
			case <-c.done:
				return
			}
		}
		if err != nil {
			select {
			case out <- readResult{err: err}:
			case <-c.done:
			}
			return
		}
	}
}

// run serializes socket data, timer callbacks and disconnect for one
// connection.
func (c *Conn) run(ctx context.Context) {
	reads := make(chan readResult)
	go c.readLoop(reads)

	c.mu.Lock()
	c.session.Open()
	c.mu.Unlock()
	c.fwd.notify()

	for {
		select {
		case <-ctx.Done():
			c.disconnect(nil)
			return
		case r := <-reads:
			if r.data != nil {
				c.ingest(r.data)
			}
			if r.err != nil {
				if ctx.Err() != nil || errors.Is(r.err, io.EOF) || errors.Is(r.err, net.ErrClosed) {
					c.disconnect(nil)
				} else {
					c.disconnect(r.err)
				}
				return
			}
		case call := <-c.calls:
			c.mu.Lock()
			call()
			c.mu.Unlock()
			c.fwd.notify()
		}
	}
}

func (c *Conn) ingest(data []byte) {
	f := c.fwd
	f.reasm.Append(c.id, data)
	for fr := range f.reasm.Drain(c.id, f.proto.Terminator) {
		observability.RecordFrame(f.proto.Name)
		c.mu.Lock()
		c.session.HandleFrame(string(fr))
		c.mu.Unlock()
	}
	f.notify()
}

// disconnect tears the connection down. A nil err is a graceful end and
// keeps the record in the registry marked closed.
func (c *Conn) disconnect(err error) {
	f := c.fwd
	timers := c.Timers()
	c.cancelAll()
	close(c.done)
	f.reasm.Remove(c.id)

	now := f.now()
	c.mu.Lock()
	c.session.Close()
	c.closedAt = &now
	c.identified.Store(false)
	c.mu.Unlock()
	_ = c.sock.Close()

	if err != nil {
		f.unregister(c.id)
		c.logger.Warn().Err(err).Int("timers_cancelled", timers).Msg("connection error, removed")
	} else {
		c.logger.Info().
			Int64("forwarded_reads", c.forwarded.Load()).
			Int("timers_cancelled", timers).
			Msg("connection closed")
	}
	observability.RecordConnectionClosed(f.proto.Name)
	f.notify()
}
