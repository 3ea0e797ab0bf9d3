// Package forwarder runs one TCP listener per timing protocol and owns the
// connection registry.
//
// Ownership boundary:
// - accept loop, per-connection event loop, timers
// - stream reassembly per connection
// - forwarded-read counters and read-only state snapshots
//
// Protocol behavior lives behind the Session interface.
package forwarder
