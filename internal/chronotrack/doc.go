// Package chronotrack implements the ChronoTrack SimpleClient (CTP01) text
// protocol: CRLF framed, `~` separated, server-initiated handshake.
package chronotrack
