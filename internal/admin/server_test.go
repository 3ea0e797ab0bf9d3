package admin

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/racefwd/internal/forwarder"
	"github.com/danmuck/racefwd/internal/protocol/session"
	"github.com/danmuck/racefwd/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

type stubSource struct {
	name string
	addr net.Addr
}

func (s stubSource) Protocol() string { return s.name }
func (s stubSource) Addr() net.Addr   { return s.addr }

func (s stubSource) State() forwarder.State {
	return forwarder.State{
		Protocol:       s.name,
		ListenHost:     "127.0.0.1",
		ListenPort:     3000,
		ForwardedReads: 7,
		Connections: []forwarder.ConnSummary{{
			ID:             "abc12345",
			OpenedAt:       time.Unix(1700000000, 0).UTC(),
			SourceIP:       "127.0.0.1",
			SourcePort:     50123,
			ForwardedReads: 7,
			Identified:     true,
			Locations:      []string{"START"},
		}},
	}
}

func (s stubSource) Devices() []forwarder.Device {
	return []forwarder.Device{{ID: "abc12345", Meta: map[string]string{"name": "SimpleClient"}}}
}

func newTestServer(t *testing.T, sources ...Source) *Server {
	t.Helper()
	reg := NewRegistry()
	for _, src := range sources {
		reg.Register(src)
	}
	return New(Config{Version: "test"}, reg, zerolog.Nop())
}

func get(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	var body map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode %s: %v body=%s", path, err, rr.Body.String())
		}
	}
	return rr, body
}

func TestHealthAndReady(t *testing.T) {
	testlog.Start(t)
	bound := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 3000}
	s := newTestServer(t, stubSource{name: "chronotrack", addr: bound})

	rr, body := get(t, s, "/health")
	if rr.Code != http.StatusOK || body["status"] != "ok" || body["version"] != "test" {
		t.Fatalf("unexpected health: %d %v", rr.Code, body)
	}
	rr, body = get(t, s, "/ready")
	if rr.Code != http.StatusOK || body["ready"] != true {
		t.Fatalf("unexpected ready: %d %v", rr.Code, body)
	}

	s = newTestServer(t, stubSource{name: "chronotrack", addr: bound}, stubSource{name: "mylaps"})
	rr, body = get(t, s, "/ready")
	if rr.Code != http.StatusServiceUnavailable || body["ready"] != false {
		t.Fatalf("unbound listener must not be ready: %d %v", rr.Code, body)
	}
}

func TestForwarderRoutes(t *testing.T) {
	testlog.Start(t)
	s := newTestServer(t, stubSource{name: "mylaps"}, stubSource{name: "chronotrack"})

	rr, body := get(t, s, "/forwarders")
	list, ok := body["forwarders"].([]any)
	if rr.Code != http.StatusOK || !ok || len(list) != 2 {
		t.Fatalf("unexpected forwarders: %d %v", rr.Code, body)
	}
	if first := list[0].(map[string]any); first["protocol"] != "chronotrack" {
		t.Fatalf("forwarders should be sorted: %v", first["protocol"])
	}

	rr, body = get(t, s, "/forwarders/chronotrack")
	if rr.Code != http.StatusOK || body["forwardedReads"] != float64(7) {
		t.Fatalf("unexpected state: %d %v", rr.Code, body)
	}
	conns := body["connections"].([]any)
	conn := conns[0].(map[string]any)
	if conn["sourcePort"] != float64(50123) || conn["identified"] != true || conn["closedAt"] != nil {
		t.Fatalf("unexpected connection summary: %v", conn)
	}

	rr, body = get(t, s, "/forwarders/chronotrack/devices")
	if devices, ok := body["devices"].([]any); rr.Code != http.StatusOK || !ok || len(devices) != 1 {
		t.Fatalf("unexpected devices: %d %v", rr.Code, body)
	}

	rr, body = get(t, s, "/forwarders/raceresult")
	if rr.Code != http.StatusNotFound || body["error"] != ErrForwarderNotFound.Error() {
		t.Fatalf("unexpected missing forwarder response: %d %v", rr.Code, body)
	}
}

func TestPendingAndMetrics(t *testing.T) {
	testlog.Start(t)
	s := newTestServer(t)
	_, body := get(t, s, "/upstream/pending")
	if body["enabled"] != false {
		t.Fatalf("pending should be disabled: %v", body)
	}

	s.WithPending(func() []session.PendingDelivery {
		return []session.PendingDelivery{{DeliveryID: "d.1", Protocol: "mylaps", Attempts: 2}}
	})
	_, body = get(t, s, "/upstream/pending")
	pending := body["pending"].([]any)
	if body["enabled"] != true || len(pending) != 1 {
		t.Fatalf("unexpected pending: %v", body)
	}

	rr, _ := get(t, s, "/metrics")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "racefwd_http_requests_total") {
		t.Fatalf("metrics should expose request counters: %d", rr.Code)
	}
}

func TestStateRoutesRequireToken(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry()
	reg.Register(stubSource{name: "chronotrack"})
	s := New(Config{Version: "test", Token: "s3cret"}, reg, zerolog.Nop())

	rr, body := get(t, s, "/forwarders")
	if rr.Code != http.StatusUnauthorized || body["error"] == nil {
		t.Fatalf("missing token should be rejected: %d %v", rr.Code, body)
	}
	if rr, _ := get(t, s, "/health"); rr.Code != http.StatusOK {
		t.Fatalf("health must stay open: %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/forwarders/chronotrack", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	authed := httptest.NewRecorder()
	s.Handler().ServeHTTP(authed, req)
	if authed.Code != http.StatusOK {
		t.Fatalf("valid token rejected: %d %s", authed.Code, authed.Body.String())
	}
}
