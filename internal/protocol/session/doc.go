// Package session owns per-connection timing session settings and the
// delivery reliability helpers shared by both vendor protocols.
//
// Ownership boundary:
// - keep-alive / retrigger / staleness timing defaults
// - retry/backoff/outbox primitives for queued upstream delivery
package session
