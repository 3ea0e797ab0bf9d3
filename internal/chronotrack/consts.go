package chronotrack

import (
	"errors"
	"strings"
)

const (
	Name       = "chronotrack"
	Terminator = "\r\n"
	Separator  = "~"
	ServerName = "ChronoTrack2RMForwarder"

	// SupportedProtocol is the only negotiated protocol id processed.
	SupportedProtocol = "CTP01"

	SubProtocolPassing = "CT01_13"
	SubProtocolEvent   = "CT01_33"
)

// Commands exchanged with the client.
const (
	CmdAck             = "ack"
	CmdPing            = "ping"
	CmdStart           = "start"
	CmdGuntime         = "guntime"
	CmdAuthorize       = "authorize"
	CmdNewLocation     = "newlocation"
	CmdGetLocations    = "getlocations"
	CmdGetEventInfo    = "geteventinfo"
	CmdGetConnectionID = "getconnectionid"
)

var acceptedClients = map[string]bool{
	"SimpleClient":      true,
	"RacemapTestClient": true,
}

// TimeFormat is the negotiated telegram time representation.
type TimeFormat string

const (
	TimeFormatISO    TimeFormat = "iso"
	TimeFormatNormal TimeFormat = "normal"
	TimeFormatUnix   TimeFormat = "unix"
)

var ErrInvalidTimeFormat = errors.New("chronotrack: invalid time format")

func ParseTimeFormat(raw string) (TimeFormat, error) {
	switch TimeFormat(strings.ToLower(strings.TrimSpace(raw))) {
	case "", TimeFormatISO:
		return TimeFormatISO, nil
	case TimeFormatNormal:
		return TimeFormatNormal, nil
	case TimeFormatUnix:
		return TimeFormatUnix, nil
	default:
		return "", ErrInvalidTimeFormat
	}
}

type feature struct {
	key   string
	value string
}

// features returns the negotiated feature frames in wire order.
func features(tf TimeFormat) []feature {
	return []feature{
		{key: "guntimes", value: "true"},
		{key: "newlocations", value: "true"},
		{key: "connection-id", value: "false"},
		{key: "stream-mode", value: "push"},
		{key: "time-format", value: string(tf)},
	}
}

const (
	timerKeepAlive   = "keepalive"
	timerStartPrefix = "start:"
)
