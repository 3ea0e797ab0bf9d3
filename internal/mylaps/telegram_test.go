package mylaps

import (
	"errors"
	"testing"
	"time"

	"github.com/danmuck/racefwd/internal/testutil/testlog"
	"github.com/danmuck/racefwd/internal/timing"
	"github.com/rs/zerolog"
)

func TestPassingToRead(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name    string
		payload string
		want    timing.Read
		err     error
	}{
		{
			name:    "full passing",
			payload: "t=13:11:30.904|c=0000041|ct=UH|d=120606|l=13|dv=4|re=0|an=00001111|g=0|b=41|n=41",
			want:    timing.Read{ChipID: "MyLaps_0000041", TimingID: "Start", TimingName: "Start", Timestamp: "2012-06-06T13:11:30.904Z"},
		},
		{
			name:    "already prefixed with unknown key",
			payload: "c=MyLaps_7|t=08:00:00.000|d=250308|zz=1",
			want:    timing.Read{ChipID: "MyLaps_7", TimingID: "Start", TimingName: "Start", Timestamp: "2025-03-08T08:00:00.000Z"},
		},
		{name: "missing date", payload: "t=13:11:30.904|c=0000041", err: ErrIncompletePassing},
		{name: "bad date", payload: "t=13:11:30.904|c=1|d=12xx06", err: timing.ErrInvalidTimestamp},
	}
	for _, tc := range cases {
		got, err := PassingToRead("Start", tc.payload, timing.MyLapsPrefix, zerolog.Nop())
		if tc.err != nil {
			if !errors.Is(err, tc.err) {
				t.Fatalf("%s: expected %v, got=%v", tc.name, tc.err, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%s: got=%+v err=%v want=%+v", tc.name, got, err, tc.want)
		}
	}
}

func TestLegacyPassingToRead(t *testing.T) {
	testlog.Start(t)
	got, err := LegacyPassingToRead("Start", "KV8658316:13:57.417 3 0F  1000025030870", timing.MyLapsPrefix)
	if err != nil {
		t.Fatalf("legacy passing: %v", err)
	}
	want := timing.Read{ChipID: "MyLaps_KV86583", TimingID: "Start", TimingName: "Start", Timestamp: "2025-03-08T16:13:57.417Z"}
	if got != want {
		t.Fatalf("got=%+v want=%+v", got, want)
	}

	for _, short := range []string{"", "KV8658316:13:57.417 3 0F  100002503087", "   KV8658316:13:57.417   "} {
		if _, err := LegacyPassingToRead("Start", short, timing.MyLapsPrefix); !errors.Is(err, ErrMalformedLegacy) {
			t.Fatalf("%q: expected ErrMalformedLegacy, got=%v", short, err)
		}
	}
}

func TestMarkerToRead(t *testing.T) {
	testlog.Start(t)
	now := time.Date(2025, 3, 8, 20, 0, 0, 0, time.UTC)
	got, err := MarkerToRead("Start", "t=11:03:40.347|mt=Gunshot|n=Gunshot 1", now, zerolog.Nop())
	if err != nil {
		t.Fatalf("marker: %v", err)
	}
	want := timing.Read{ChipID: "", TimingID: "Start", TimingName: "Gunshot 1", Timestamp: "2025-03-08T11:03:40.347Z"}
	if got != want {
		t.Fatalf("got=%+v want=%+v", got, want)
	}
	if _, err := MarkerToRead("Start", "mt=Gunshot", now, zerolog.Nop()); !errors.Is(err, ErrIncompleteMarker) {
		t.Fatalf("expected ErrIncompleteMarker, got=%v", err)
	}
}

func TestParseFieldsKeepsUnknownKeys(t *testing.T) {
	testlog.Start(t)
	got := ParseFields("id=20250558568|n=BibTagDecoder00AA|mac=0004B70700AA|ant=1|time=954463123529||bare", deviceKeys, zerolog.Nop())
	want := Fields{
		"deviceId":     "20250558568",
		"deviceName":   "BibTagDecoder00AA",
		"deviceMac":    "0004B70700AA",
		"antennaCount": "1",
		"time":         "954463123529",
		"bare":         "",
	}
	if len(got) != len(want) {
		t.Fatalf("got=%v want=%v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("field %q got=%q want=%q", k, got[k], v)
		}
	}
	if _, err := ParseDevice("id=1|n=Decoder", zerolog.Nop()); !errors.Is(err, ErrIncompleteDevice) {
		t.Fatalf("expected ErrIncompleteDevice, got=%v", err)
	}
}

func TestSplitMessageNumber(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		in      []string
		payload int
		msgNr   string
	}{
		{in: []string{"c=1|t=1", "c=2|t=2", "17"}, payload: 2, msgNr: "17"},
		{in: []string{"c=1|t=1"}, payload: 1},
		{in: []string{"c=1|t=1", "c=2|t=2"}, payload: 2},
		{in: []string{"KV8658316:13:57.417 3 0F  1000025030870", "4"}, payload: 1, msgNr: "4"},
		{in: []string{"KV8658316:13:57.417 3 0F  1000025030870", "KV8658316:13:57.417 3 0F  1000025030870"}, payload: 2},
	}
	for _, tc := range cases {
		payload, nr := splitMessageNumber(tc.in)
		if len(payload) != tc.payload {
			t.Fatalf("%q payload got=%d want=%d", tc.in, len(payload), tc.payload)
		}
		got := ""
		if len(nr) == 1 {
			got = nr[0]
		}
		if got != tc.msgNr {
			t.Fatalf("%q msgNr got=%q want=%q", tc.in, got, tc.msgNr)
		}
	}
}
