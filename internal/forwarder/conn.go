package forwarder

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/racefwd/internal/timing"
	"github.com/danmuck/racefwd/internal/upstream"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrConnClosed = errors.New("forwarder: connection closed")

// Conn is the registry record for one accepted socket. The socket is only
// used to write frames and to close.
type Conn struct {
	id         string
	fwd        *Forwarder
	sock       net.Conn
	sourceIP   string
	sourcePort int
	openedAt   time.Time
	logger     zerolog.Logger

	// mu guards session and closedAt.
	mu       sync.Mutex
	session  Session
	closedAt *time.Time

	identified atomic.Bool
	forwarded  atomic.Int64

	calls  chan func()
	done   chan struct{}
	timers map[string]*timer
}

type timer struct {
	stop    chan struct{}
	stopped bool
}

func newConnID() string {
	return uuid.NewString()[:8]
}

func newConn(fwd *Forwarder, sock net.Conn) *Conn {
	id := newConnID()
	ip, port := splitAddr(sock.RemoteAddr())
	return &Conn{
		id:         id,
		fwd:        fwd,
		sock:       sock,
		sourceIP:   ip,
		sourcePort: port,
		openedAt:   fwd.now(),
		logger:     fwd.logger.With().Str("conn_id", id).Str("remote", sock.RemoteAddr().String()).Logger(),
		calls:      make(chan func(), 16),
		done:       make(chan struct{}),
		timers:     make(map[string]*timer),
	}
}

func splitAddr(addr net.Addr) (string, int) {
	if addr == nil {
		return "", -1
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), -1
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = -1
	}
	return host, port
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Logger() zerolog.Logger {
	return c.logger
}

func (c *Conn) Identified() bool {
	return c.identified.Load()
}

func (c *Conn) SetIdentified(v bool) {
	c.identified.Store(v)
}

func (c *Conn) ForwardedReads() int64 {
	return c.forwarded.Load()
}

// Send writes frame followed by the protocol terminator.
func (c *Conn) Send(frame string) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	if wt := c.fwd.cfg.Session.WriteTimeout; wt > 0 {
		_ = c.sock.SetWriteDeadline(time.Now().Add(wt))
	}
	_, err := c.sock.Write([]byte(frame + c.fwd.proto.Terminator))
	if err != nil {
		c.logger.Warn().Err(err).Str("frame", frame).Msg("send frame failed")
		return err
	}
	c.logger.Debug().Str("frame", frame).Msg("frame sent")
	return nil
}

// Every schedules fn on the event loop every interval under key. A timer
// already registered under key is replaced. Must be called from the loop.
func (c *Conn) Every(key string, interval time.Duration, fn func()) {
	c.Cancel(key)
	t := &timer{stop: make(chan struct{})}
	c.timers[key] = t
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-c.done:
				return
			case <-ticker.C:
				call := func() {
					if !t.stopped {
						fn()
					}
				}
				select {
				case c.calls <- call:
				case <-t.stop:
					return
				case <-c.done:
					return
				}
			}
		}
	}()
}

// Cancel stops the timer under key. Must be called from the loop.
func (c *Conn) Cancel(key string) {
	t, ok := c.timers[key]
	if !ok {
		return
	}
	t.stopped = true
	close(t.stop)
	delete(c.timers, key)
}

// Timers reports the number of active timers. Must be called from the loop.
func (c *Conn) Timers() int {
	return len(c.timers)
}

func (c *Conn) cancelAll() {
	for key := range c.timers {
		c.Cancel(key)
	}
}

// Submit hands read to the upstream dispatcher. Counters move only after the
// ingest API accepted it.
func (c *Conn) Submit(read timing.Read) {
	c.fwd.dispatcher.Dispatch(upstream.Delivery{
		Protocol: c.fwd.proto.Name,
		ConnID:   c.id,
		Read:     read,
		OnDelivered: func() {
			c.forwarded.Add(1)
			c.fwd.forwarded.Add(1)
			c.fwd.notify()
		},
	})
}

func (c *Conn) summary() ConnSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := ConnSummary{
		ID:             c.id,
		SourceIP:       c.sourceIP,
		SourcePort:     c.sourcePort,
		OpenedAt:       c.openedAt,
		ForwardedReads: c.forwarded.Load(),
		Identified:     c.identified.Load(),
	}
	if c.closedAt != nil {
		closed := *c.closedAt
		s.ClosedAt = &closed
	}
	if c.session != nil {
		d := c.session.Describe()
		s.Meta = d.Meta
		s.Locations = d.Locations
	}
	return s
}

func (c *Conn) device() Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := Device{ID: c.id, OpenedAt: c.openedAt}
	if c.session != nil {
		d.Meta = c.session.Describe().Meta
	}
	return d
}
