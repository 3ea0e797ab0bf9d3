package forwarder

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/racefwd/internal/observability"
	"github.com/danmuck/racefwd/internal/protocol/frame"
	"github.com/danmuck/racefwd/internal/protocol/session"
	"github.com/danmuck/racefwd/internal/upstream"
	"github.com/rs/zerolog"
)

const (
	PrivateHost = "127.0.0.1"
	PublicHost  = "0.0.0.0"
)

var (
	ErrNoSessionFactory = errors.New("forwarder: protocol has no session factory")
	ErrNoTerminator     = errors.New("forwarder: protocol has no terminator")
)

// Forwarder listener configuration.
type Config struct {
	Host    string
	Port    int
	Session session.Config
}

// Observer receives a fresh snapshot after every state change.
type Observer func(State)

// Forwarder accepts timing clients for one protocol.
type Forwarder struct {
	proto      Protocol
	cfg        Config
	dispatcher upstream.Dispatcher
	logger     zerolog.Logger
	reasm      *frame.Reassembler
	now        func() time.Time

	mu    sync.RWMutex
	conns map[string]*Conn
	addr  net.Addr

	forwarded atomic.Int64

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObs   int
	// notifyMu serializes observer fan-out across loops and delivery callbacks.
	notifyMu sync.Mutex

	wg sync.WaitGroup
}

func New(proto Protocol, cfg Config, dispatcher upstream.Dispatcher, logger zerolog.Logger) (*Forwarder, error) {
	if proto.NewSession == nil {
		return nil, ErrNoSessionFactory
	}
	if proto.Terminator == "" {
		return nil, ErrNoTerminator
	}
	if cfg.Host == "" {
		cfg.Host = PrivateHost
	}
	cfg.Session = cfg.Session.WithDefaults()
	if proto.MaxFrameDelay <= 0 {
		proto.MaxFrameDelay = cfg.Session.FrameMaxDelay
	}
	logger = logger.With().Str("protocol", proto.Name).Logger()
	f := &Forwarder{
		proto:      proto,
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
		conns:      make(map[string]*Conn),
		observers:  make(map[int]Observer),
	}
	f.reasm = frame.NewReassembler(proto.MaxFrameDelay,
		frame.WithLogger(logger),
		frame.WithDropHook(func(_ string, dropped int) {
			observability.RecordStaleBytes(proto.Name, dropped)
		}),
	)
	return f, nil
}

func (f *Forwarder) Protocol() string {
	return f.proto.Name
}

// Addr returns the bound listener address once Serve has started.
func (f *Forwarder) Addr() net.Addr {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.addr
}

// ListenAndServe binds Host:Port and serves until ctx is cancelled.
func (f *Forwarder) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(f.cfg.Host, strconv.Itoa(f.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return f.Serve(ctx, ln)
}

// Serve runs the accept loop on ln. It returns after ctx is cancelled and all
// connection loops have exited.
func (f *Forwarder) Serve(ctx context.Context, ln net.Listener) error {
	f.mu.Lock()
	f.addr = ln.Addr()
	f.mu.Unlock()
	f.logger.Info().Str("addr", ln.Addr().String()).Msg("forwarder listening")

	defer ln.Close()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			f.closeAllConns()
			_ = ln.Close()
		case <-stop:
		}
	}()

	for {
		sock, err := ln.Accept()
		if err != nil {
			f.closeAllConns()
			f.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		c := newConn(f, sock)
		c.session = f.proto.NewSession(c)
		f.register(c)
		observability.RecordConnectionOpened(f.proto.Name)
		c.logger.Info().Msg("connection opened")
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			c.run(ctx)
		}()
	}
}

func (f *Forwarder) register(c *Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns[c.id] = c
}

func (f *Forwarder) unregister(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conns, id)
}

func (f *Forwarder) closeAllConns() {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, c := range f.conns {
		_ = c.sock.Close()
	}
}

func (f *Forwarder) snapshotConns() []*Conn {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*Conn, 0, len(f.conns))
	for _, c := range f.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].openedAt.Equal(out[j].openedAt) {
			return out[i].id < out[j].id
		}
		return out[i].openedAt.Before(out[j].openedAt)
	})
	return out
}

// ForwardedReads is the total of reads accepted upstream by this forwarder.
func (f *Forwarder) ForwardedReads() int64 {
	return f.forwarded.Load()
}

// Observe registers fn for state changes and returns its cancel func.
// Observers are called one at a time, each with a snapshot taken after the
// change. fn must not block.
func (f *Forwarder) Observe(fn Observer) func() {
	f.obsMu.Lock()
	defer f.obsMu.Unlock()
	id := f.nextObs
	f.nextObs++
	f.observers[id] = fn
	return func() {
		f.obsMu.Lock()
		defer f.obsMu.Unlock()
		delete(f.observers, id)
	}
}

func (f *Forwarder) notify() {
	f.obsMu.RLock()
	if len(f.observers) == 0 {
		f.obsMu.RUnlock()
		return
	}
	observers := make([]Observer, 0, len(f.observers))
	for _, fn := range f.observers {
		observers = append(observers, fn)
	}
	f.obsMu.RUnlock()

	f.notifyMu.Lock()
	defer f.notifyMu.Unlock()
	state := f.State()
	for _, fn := range observers {
		fn(state)
	}
}
