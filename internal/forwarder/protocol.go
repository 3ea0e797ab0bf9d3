package forwarder

import "time"

// Session is the per-connection protocol state machine. All methods run on
// the connection's event loop with the connection lock held.
type Session interface {
	// Open runs once after the connection is registered.
	Open()
	// HandleFrame receives one frame without its terminator.
	HandleFrame(frame string)
	// Close runs once when the connection ends.
	Close()
	// Describe returns a copy of protocol metadata for snapshots.
	Describe() Details
}

// Details is the protocol-specific part of a connection snapshot.
type Details struct {
	Meta      any `json:"meta,omitempty"`
	Locations any `json:"locations"`
}

// Protocol binds a wire protocol to the forwarder machinery.
type Protocol struct {
	Name          string
	Terminator    string
	MaxFrameDelay time.Duration
	NewSession    func(c *Conn) Session
}
