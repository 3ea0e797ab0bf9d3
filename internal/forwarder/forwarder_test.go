package forwarder

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/racefwd/internal/protocol/session"
	"github.com/danmuck/racefwd/internal/testutil/testlog"
	"github.com/danmuck/racefwd/internal/timing"
	"github.com/danmuck/racefwd/internal/upstream"
	"github.com/rs/zerolog"
)

type recorder struct {
	mu     sync.Mutex
	frames []string
	opened int
	closed int
	// timers seen by the loop after each "stop" frame
	timers []int
}

func (r *recorder) snapshot() ([]string, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...), r.opened, r.closed
}

type echoSession struct {
	c    *Conn
	rec  *recorder
	tick time.Duration
}

func (s *echoSession) Open() {
	s.rec.mu.Lock()
	s.rec.opened++
	s.rec.mu.Unlock()
	if s.tick > 0 {
		s.c.Every("tick", s.tick, func() { _ = s.c.Send("tick") })
	}
}

func (s *echoSession) HandleFrame(frame string) {
	s.rec.mu.Lock()
	s.rec.frames = append(s.rec.frames, frame)
	s.rec.mu.Unlock()
	switch {
	case frame == "hello":
		s.c.SetIdentified(true)
		_ = s.c.Send("welcome")
	case frame == "stop":
		s.c.Cancel("tick")
		s.rec.mu.Lock()
		s.rec.timers = append(s.rec.timers, s.c.Timers())
		s.rec.mu.Unlock()
	case strings.HasPrefix(frame, "read:"):
		s.c.Submit(timing.NewRead(strings.TrimPrefix(frame, "read:"), "mac", "loc", time.Unix(0, 0)))
	}
}

func (s *echoSession) Close() {
	s.rec.mu.Lock()
	s.rec.closed++
	s.rec.mu.Unlock()
}

func (s *echoSession) Describe() Details {
	return Details{Meta: map[string]string{"name": "echo"}, Locations: []string{"start"}}
}

type asyncDispatcher struct {
	mu    sync.Mutex
	reads []timing.Read
}

func (d *asyncDispatcher) Dispatch(del upstream.Delivery) {
	d.mu.Lock()
	d.reads = append(d.reads, del.Read)
	d.mu.Unlock()
	if strings.HasSuffix(del.Read.ChipID, "reject") {
		return
	}
	go del.OnDelivered()
}

type harness struct {
	fwd    *Forwarder
	rec    *recorder
	disp   *asyncDispatcher
	cancel context.CancelFunc
	done   chan error
}

func startForwarder(t *testing.T, tick time.Duration) *harness {
	t.Helper()
	rec := &recorder{}
	disp := &asyncDispatcher{}
	proto := Protocol{
		Name:       "echo",
		Terminator: "$",
		NewSession: func(c *Conn) Session {
			return &echoSession{c: c, rec: rec, tick: tick}
		},
	}
	fwd, err := New(proto, Config{Host: PrivateHost, Session: session.Config{}}, disp, zerolog.Nop())
	if err != nil {
		t.Fatalf("new forwarder: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{fwd: fwd, rec: rec, disp: disp, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- fwd.Serve(ctx, ln) }()
	waitFor(t, func() bool { return fwd.Addr() != nil })
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Errorf("serve did not return after cancel")
		}
	})
	return h
}

func (h *harness) dial(t *testing.T) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", h.fwd.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn, bufio.NewReader(conn)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func readFrame(t *testing.T, conn net.Conn, r *bufio.Reader) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := r.ReadString('$')
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return strings.TrimSuffix(line, "$")
}

func TestForwarderReassemblesSplitWrites(t *testing.T) {
	testlog.Start(t)
	h := startForwarder(t, 0)
	conn, r := h.dial(t)

	for _, chunk := range []string{"hel", "lo$fir", "st$", "second$thi"} {
		if _, err := conn.Write([]byte(chunk)); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := readFrame(t, conn, r); got != "welcome" {
		t.Fatalf("unexpected reply %q", got)
	}
	waitFor(t, func() bool {
		frames, _, _ := h.rec.snapshot()
		return len(frames) == 3
	})
	frames, opened, _ := h.rec.snapshot()
	if frames[0] != "hello" || frames[1] != "first" || frames[2] != "second" || opened != 1 {
		t.Fatalf("unexpected frames=%q opened=%d", frames, opened)
	}
	st := h.fwd.State()
	if len(st.Connections) != 1 || !st.Connections[0].Identified {
		t.Fatalf("unexpected state: %+v", st)
	}
	if st.ListenHost != PrivateHost || st.ListenPort == 0 {
		t.Fatalf("unexpected listen addr %s:%d", st.ListenHost, st.ListenPort)
	}
}

func TestForwarderCountsOnlyDeliveredReads(t *testing.T) {
	testlog.Start(t)
	h := startForwarder(t, 0)
	conn, _ := h.dial(t)

	var mu sync.Mutex
	var seen []State
	cancel := h.fwd.Observe(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	defer cancel()

	if _, err := conn.Write([]byte("read:Chrono_1$read:Chrono_2reject$read:Chrono_3$")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return h.fwd.ForwardedReads() == 2 })
	time.Sleep(20 * time.Millisecond)
	if got := h.fwd.ForwardedReads(); got != 2 {
		t.Fatalf("rejected read counted, total=%d", got)
	}
	st := h.fwd.State()
	if len(st.Connections) != 1 || st.Connections[0].ForwardedReads != 2 {
		t.Fatalf("unexpected per-connection count: %+v", st.Connections)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, s := range seen {
		if s.ForwardedReads == 2 {
			return
		}
	}
	t.Fatalf("observer missed counter update: %d snapshots", len(seen))
}

func TestForwarderObserversRunOneAtATime(t *testing.T) {
	testlog.Start(t)
	h := startForwarder(t, 0)
	conn, _ := h.dial(t)

	var inFlight, overlaps, calls atomic.Int32
	cancel := h.fwd.Observe(func(State) {
		if inFlight.Add(1) > 1 {
			overlaps.Add(1)
		}
		calls.Add(1)
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
	})
	defer cancel()

	var batch strings.Builder
	for i := 0; i < 20; i++ {
		batch.WriteString("read:Chrono_" + strconv.Itoa(i) + "$")
	}
	if _, err := conn.Write([]byte(batch.String())); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return h.fwd.ForwardedReads() == 20 })
	waitFor(t, func() bool { return calls.Load() >= 21 && inFlight.Load() == 0 })
	if got := overlaps.Load(); got != 0 {
		t.Fatalf("observers ran concurrently %d times", got)
	}
}

func TestForwarderGracefulCloseRetainsRecord(t *testing.T) {
	testlog.Start(t)
	h := startForwarder(t, 0)
	conn, r := h.dial(t)
	if _, err := conn.Write([]byte("hello$")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readFrame(t, conn, r)
	if _, err := conn.Write([]byte("partial")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.Close()

	waitFor(t, func() bool {
		_, _, closed := h.rec.snapshot()
		return closed == 1
	})
	st := h.fwd.State()
	if len(st.Connections) != 1 {
		t.Fatalf("closed connection should stay registered: %+v", st.Connections)
	}
	c := st.Connections[0]
	if c.ClosedAt == nil || c.Identified {
		t.Fatalf("unexpected closed summary: %+v", c)
	}
	if h.fwd.reasm.Buffered(c.ID) != 0 {
		t.Fatalf("buffered bytes should be cleared")
	}
	devices := h.fwd.Devices()
	if len(devices) != 1 || devices[0].ID != c.ID {
		t.Fatalf("unexpected devices: %+v", devices)
	}
}

func TestForwarderSocketErrorRemovesRecord(t *testing.T) {
	testlog.Start(t)
	h := startForwarder(t, 0)
	conn, r := h.dial(t)
	if _, err := conn.Write([]byte("hello$")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readFrame(t, conn, r)
	tcp := conn.(*net.TCPConn)
	_ = tcp.SetLinger(0)
	_ = tcp.Close()

	waitFor(t, func() bool { return len(h.fwd.State().Connections) == 0 })
}

func TestForwarderTimersRunOnLoopAndCancel(t *testing.T) {
	testlog.Start(t)
	h := startForwarder(t, 15*time.Millisecond)
	conn, r := h.dial(t)

	if got := readFrame(t, conn, r); got != "tick" {
		t.Fatalf("unexpected frame %q", got)
	}
	if got := readFrame(t, conn, r); got != "tick" {
		t.Fatalf("unexpected frame %q", got)
	}
	if _, err := conn.Write([]byte("stop$")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool {
		frames, _, _ := h.rec.snapshot()
		return len(frames) == 1
	})
	// drain ticks that raced the cancel
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Millisecond))
	for {
		if _, err := r.ReadString('$'); err != nil {
			break
		}
	}
	_ = conn.SetReadDeadline(time.Now().Add(80 * time.Millisecond))
	if line, err := r.ReadString('$'); err == nil {
		t.Fatalf("timer kept firing after cancel: %q", line)
	}
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	if len(h.rec.timers) != 1 || h.rec.timers[0] != 0 {
		t.Fatalf("cancelled timer still registered: %v", h.rec.timers)
	}
}

func TestNewRejectsIncompleteProtocol(t *testing.T) {
	testlog.Start(t)
	if _, err := New(Protocol{Name: "x", Terminator: "$"}, Config{}, &asyncDispatcher{}, zerolog.Nop()); err != ErrNoSessionFactory {
		t.Fatalf("expected ErrNoSessionFactory, got=%v", err)
	}
	factory := func(c *Conn) Session { return nil }
	if _, err := New(Protocol{Name: "x", NewSession: factory}, Config{}, &asyncDispatcher{}, zerolog.Nop()); err != ErrNoTerminator {
		t.Fatalf("expected ErrNoTerminator, got=%v", err)
	}
}
