package forwarder

import (
	"net"
	"time"
)

// State is a read-only forwarder snapshot derived from the registry.
type State struct {
	Protocol       string        `json:"protocol"`
	ListenHost     string        `json:"listenHost"`
	ListenPort     int           `json:"listenPort"`
	ForwardedReads int64         `json:"forwardedReads"`
	Connections    []ConnSummary `json:"connections"`
}

type ConnSummary struct {
	ID             string     `json:"id"`
	OpenedAt       time.Time  `json:"openedAt"`
	ClosedAt       *time.Time `json:"closedAt"`
	SourceIP       string     `json:"sourceIP"`
	SourcePort     int        `json:"sourcePort"`
	ForwardedReads int64      `json:"forwardedReads"`
	Identified     bool       `json:"identified"`
	Locations      any        `json:"locations"`
	Meta           any        `json:"meta,omitempty"`
}

// Device is one connected timing client with its protocol metadata.
type Device struct {
	ID       string    `json:"id"`
	Meta     any       `json:"meta"`
	OpenedAt time.Time `json:"openedAt"`
}

// State derives a snapshot. Safe to call from any goroutine.
func (f *Forwarder) State() State {
	st := State{
		Protocol:       f.proto.Name,
		ListenHost:     f.cfg.Host,
		ListenPort:     f.cfg.Port,
		ForwardedReads: f.forwarded.Load(),
	}
	if tcp, ok := f.Addr().(*net.TCPAddr); ok {
		st.ListenPort = tcp.Port
	}
	conns := f.snapshotConns()
	st.Connections = make([]ConnSummary, 0, len(conns))
	for _, c := range conns {
		st.Connections = append(st.Connections, c.summary())
	}
	return st
}

// Devices lists every registered connection with its metadata.
func (f *Forwarder) Devices() []Device {
	conns := f.snapshotConns()
	out := make([]Device, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.device())
	}
	return out
}
