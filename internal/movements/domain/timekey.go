package movements

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeKey is the persisted minute key, YYYYMMDDHHMM as an integer.
// Keys compare in the same order as the minutes they encode.
type TimeKey int64

const (
	minYear = 1
	maxYear = 9999

	compactLayout = "0601021504"
	timeKeyLayout = "200601021504"
)

// TimeDimension is one row of the time dimension.
type TimeDimension struct {
	Key       TimeKey
	TS        time.Time
	Date      time.Time
	Hour      int
	Minute    int
	DayOfWeek int
	IsWeekend bool
}

// Encoder derives time keys and calendar attributes in a fixed location.
type Encoder struct {
	loc *time.Location
}

// NewEncoder builds an encoder for loc. A nil location means UTC.
func NewEncoder(loc *time.Location) Encoder {
	if loc == nil {
		loc = time.UTC
	}
	return Encoder{loc: loc}
}

// Location returns the encoder's location.
func (e Encoder) Location() *time.Location {
	if e.loc == nil {
		return time.UTC
	}
	return e.loc
}

// Encode truncates t to the minute and returns its key and calendar breakdown.
func (e Encoder) Encode(t time.Time) (TimeDimension, error) {
	if t.IsZero() {
		return TimeDimension{}, &InvalidTimestampError{Value: t}
	}
	local := t.In(e.Location())
	if local.Year() < minYear || local.Year() > maxYear {
		return TimeDimension{}, &InvalidTimestampError{Value: t}
	}
	ts := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), local.Minute(), 0, 0, local.Location())

	weekday := ts.Weekday()
	dow := int(weekday)
	if weekday == time.Sunday {
		dow = 7
	}

	return TimeDimension{
		Key:       keyOf(ts),
		TS:        ts,
		Date:      time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, ts.Location()),
		Hour:      ts.Hour(),
		Minute:    ts.Minute(),
		DayOfWeek: dow,
		IsWeekend: weekday == time.Saturday || weekday == time.Sunday,
	}, nil
}

// Key is Encode without the calendar breakdown.
func (e Encoder) Key(t time.Time) (TimeKey, error) {
	dim, err := e.Encode(t)
	if err != nil {
		return 0, err
	}
	return dim.Key, nil
}

func keyOf(ts time.Time) TimeKey {
	return TimeKey(int64(ts.Year())*100000000 +
		int64(ts.Month())*1000000 +
		int64(ts.Day())*10000 +
		int64(ts.Hour())*100 +
		int64(ts.Minute()))
}

// Time decodes the key back into a wall-clock minute in loc.
func (k TimeKey) Time(loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(timeKeyLayout, k.String(), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("movements: decode time key %d: %w", int64(k), err)
	}
	return t, nil
}

// String returns the raw YYYYMMDDHHMM digits.
func (k TimeKey) String() string {
	return fmt.Sprintf("%012d", int64(k))
}

// ParseTimeKey parses and validates a YYYYMMDDHHMM key.
func ParseTimeKey(value string) (TimeKey, error) {
	value = strings.TrimSpace(value)
	if len(value) != len(timeKeyLayout) {
		return 0, &ValidationError{Field: "time_key", Reason: "expected YYYYMMDDHHMM"}
	}
	if _, err := time.Parse(timeKeyLayout, value); err != nil {
		return 0, &ValidationError{Field: "time_key", Reason: "not a calendar minute"}
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, &ValidationError{Field: "time_key", Reason: "not numeric"}
	}
	return TimeKey(n), nil
}

// ParseCompact parses the upstream YYMMDDHHMM format (years 2000-2099) in loc.
func ParseCompact(value string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	value = strings.TrimSpace(value)
	if len(value) != len(compactLayout) {
		return time.Time{}, &ValidationError{Field: "timestamp", Reason: "expected YYMMDDHHMM"}
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return time.Time{}, &ValidationError{Field: "timestamp", Reason: "expected YYMMDDHHMM"}
		}
	}
	// Two-digit years always mean 20YY upstream.
	t, err := time.ParseInLocation(timeKeyLayout, "20"+value, loc)
	if err != nil {
		return time.Time{}, &ValidationError{Field: "timestamp", Reason: "not a calendar minute"}
	}
	return t, nil
}
