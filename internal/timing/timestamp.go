package timing

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout renders millisecond UTC timestamps with a Z suffix.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

const (
	isoLocalLayout = "2006-01-02T15:04:05"
	timeOfDay      = "15:04:05"
	dateYYMMDD     = "060102"
)

var ErrInvalidTimestamp = errors.New("timing: invalid timestamp")

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseISOLocal reads YYYY-MM-DDTHH:mm:ss[.fraction] without zone as UTC.
func ParseISOLocal(value string) (time.Time, error) {
	t, err := time.ParseInLocation(isoLocalLayout, strings.TrimSpace(value), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrInvalidTimestamp, value, err)
	}
	return t, nil
}

// ParseUnix reads fractional Unix epoch seconds.
func ParseUnix(value string) (time.Time, error) {
	secs, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, value)
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(math.Round(frac*1e3))*int64(time.Millisecond)).UTC(), nil
}

// ParseTimeOfDay places HH:mm:ss[.fraction] on the UTC calendar day of day and
// subtracts offsetHours to turn local wall time into UTC.
func ParseTimeOfDay(value string, day time.Time, offsetHours float64) (time.Time, error) {
	tod, err := time.ParseInLocation(timeOfDay, strings.TrimSpace(value), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrInvalidTimestamp, value, err)
	}
	d := day.UTC()
	t := time.Date(d.Year(), d.Month(), d.Day(), tod.Hour(), tod.Minute(), tod.Second(), tod.Nanosecond(), time.UTC)
	return t.Add(-time.Duration(offsetHours * float64(time.Hour))), nil
}

// ParseDateTime composes a YYMMDD date and HH:mm:ss.SSS time as UTC.
func ParseDateTime(date, clock string) (time.Time, error) {
	day, err := time.ParseInLocation(dateYYMMDD, strings.TrimSpace(date), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q: %v", ErrInvalidTimestamp, date, err)
	}
	return ParseTimeOfDay(clock, day, 0)
}
