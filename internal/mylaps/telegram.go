package mylaps

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/racefwd/internal/timing"
	"github.com/rs/zerolog"
)

// legacyMinLength is the length a trimmed legacy passing must exceed.
const legacyMinLength = 38

var (
	ErrIncompletePassing = errors.New("mylaps: passing missing chip code, time or date")
	ErrMalformedLegacy   = errors.New("mylaps: legacy passing too short")
	ErrIncompleteMarker  = errors.New("mylaps: marker missing time")
	ErrIncompleteDevice  = errors.New("mylaps: device missing id, name or mac")
)

// Fields is a decoded key-value payload keyed by field name. Unknown short
// keys are kept as-is.
type Fields map[string]string

// ParseFields decodes `k=v|k=v` using keys to expand short keys.
func ParseFields(raw string, keys map[string]string, logger zerolog.Logger) Fields {
	out := make(Fields)
	for _, pair := range strings.Split(raw, "|") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		name, ok := keys[key]
		if !ok {
			logger.Debug().Str("key", key).Str("value", value).Msg("unknown key kept raw")
			name = key
		}
		out[name] = value
	}
	return out
}

// isKeyValue reports whether payload uses the key-value format.
func isKeyValue(payload string) bool {
	return strings.Contains(payload, "=")
}

// PassingToRead converts one key-value passing such as
// t=13:11:30.904|c=0000041|ct=UH|d=120606|l=13|dv=4|re=0|an=00001111|g=0|b=41|n=41.
func PassingToRead(location, payload, prefix string, logger zerolog.Logger) (timing.Read, error) {
	p := ParseFields(payload, passingKeys, logger)
	chip, clock, date := p["chipCode"], p["time"], p["date"]
	if chip == "" || clock == "" || date == "" {
		return timing.Read{}, ErrIncompletePassing
	}
	at, err := timing.ParseDateTime(date, clock)
	if err != nil {
		return timing.Read{}, err
	}
	return timing.NewRead(timing.Prefix(prefix, chip), location, location, at), nil
}

// LegacyPassingToRead converts a fixed-width passing:
//
//	KV8658316:13:57.417 3 0F  1000025030870
//	|      |            | |        |> date (len-8 .. len-2), checksum
//	|      |            | |> reader number
//	|      |> time      |> device number
//	|> transponder id
func LegacyPassingToRead(location, payload, prefix string) (timing.Read, error) {
	if len(strings.TrimSpace(payload)) <= legacyMinLength {
		return timing.Read{}, fmt.Errorf("%w: %q", ErrMalformedLegacy, payload)
	}
	transponder := payload[0:7]
	clock := payload[7:19]
	date := payload[len(payload)-8 : len(payload)-2]
	at, err := timing.ParseDateTime(date, clock)
	if err != nil {
		return timing.Read{}, err
	}
	return timing.NewRead(timing.Prefix(prefix, transponder), location, location, at), nil
}

// MarkerToRead converts t=11:03:40.347|mt=Gunshot|n=Gunshot 1 into a read
// with an empty chip id, timed on the UTC calendar day of now.
func MarkerToRead(location, payload string, now time.Time, logger zerolog.Logger) (timing.Read, error) {
	m := ParseFields(payload, markerKeys, logger)
	if m["time"] == "" {
		return timing.Read{}, ErrIncompleteMarker
	}
	at, err := timing.ParseTimeOfDay(m["time"], now, 0)
	if err != nil {
		return timing.Read{}, err
	}
	return timing.NewRead("", location, m["markerName"], at), nil
}

// ParseDevice decodes id=..|n=..|mac=..|... device records.
func ParseDevice(payload string, logger zerolog.Logger) (Fields, error) {
	d := ParseFields(payload, deviceKeys, logger)
	if d["deviceId"] == "" || d["deviceName"] == "" || d["deviceMac"] == "" {
		return nil, ErrIncompleteDevice
	}
	return d, nil
}
