// Package timing holds the canonical timing read and the pure normalization
// helpers shared by every vendor protocol.
package timing

import (
	"strings"
	"time"
)

const (
	ChronoTrackPrefix = "Chrono_"
	MyLapsPrefix      = "MyLaps_"
)

// Read is one transponder detection in the shape the ingest API accepts.
type Read struct {
	ChipID     string   `json:"chipId"`
	TimingID   string   `json:"timingId"`
	TimingName string   `json:"timingName,omitempty"`
	Timestamp  string   `json:"timestamp"`
	Lat        *float64 `json:"lat"`
	Lng        *float64 `json:"lng"`
	Alt        *float64 `json:"alt"`
}

// NewRead builds a read with a formatted UTC timestamp and no geolocation.
func NewRead(chipID, timingID, timingName string, at time.Time) Read {
	return Read{
		ChipID:     chipID,
		TimingID:   timingID,
		TimingName: timingName,
		Timestamp:  FormatTimestamp(at),
	}
}

// Prefix namespaces chipID with a vendor prefix. Already prefixed ids and
// empty ids are returned unchanged.
func Prefix(prefix, chipID string) string {
	if chipID == "" || prefix == "" || strings.HasPrefix(chipID, prefix) {
		return chipID
	}
	return prefix + chipID
}
