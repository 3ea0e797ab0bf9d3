// Package upstream submits canonical timing reads to the timing ingest API.
//
// Ownership boundary:
// - HTTP client for the pings endpoint
// - dispatch policy (fire-and-forget default, optional queued retry)
package upstream
