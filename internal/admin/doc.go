// Package admin serves the read-only HTTP observability surface: health,
// readiness, metrics and forwarder snapshots.
package admin
