package movements

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncoderEncode(t *testing.T) {
	enc := NewEncoder(time.UTC)
	dim, err := enc.Encode(time.Date(2025, 9, 2, 12, 5, 42, 999, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, TimeKey(202509021205), dim.Key)
	assert.Equal(t, time.Date(2025, 9, 2, 12, 5, 0, 0, time.UTC), dim.TS)
	assert.Equal(t, time.Date(2025, 9, 2, 0, 0, 0, 0, time.UTC), dim.Date)
	assert.Equal(t, 12, dim.Hour)
	assert.Equal(t, 5, dim.Minute)
	assert.Equal(t, 2, dim.DayOfWeek)
	assert.False(t, dim.IsWeekend)
}

func TestEncoderWeekend(t *testing.T) {
	enc := NewEncoder(nil)
	cases := []struct {
		ts      time.Time
		dow     int
		weekend bool
	}{
		{time.Date(2025, 9, 6, 0, 0, 0, 0, time.UTC), 6, true},
		{time.Date(2025, 9, 7, 23, 59, 0, 0, time.UTC), 7, true},
		{time.Date(2025, 9, 8, 0, 0, 0, 0, time.UTC), 1, false},
	}
	for _, tc := range cases {
		dim, err := enc.Encode(tc.ts)
		require.NoError(t, err)
		assert.Equal(t, tc.dow, dim.DayOfWeek, tc.ts.String())
		assert.Equal(t, tc.weekend, dim.IsWeekend, tc.ts.String())
	}
}

func TestEncoderConvertsToLocation(t *testing.T) {
	berlin := time.FixedZone("CEST", 2*60*60)
	enc := NewEncoder(berlin)
	key, err := enc.Key(time.Date(2025, 9, 2, 22, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, TimeKey(202509030030), key)
}

func TestEncoderRejectsInvalid(t *testing.T) {
	enc := NewEncoder(time.UTC)
	_, err := enc.Encode(time.Time{})
	var tsErr *InvalidTimestampError
	require.True(t, errors.As(err, &tsErr))

	_, err = enc.Encode(time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC))
	require.True(t, errors.As(err, &tsErr))
}

func TestTimeKeyOrderMatchesTime(t *testing.T) {
	enc := NewEncoder(time.UTC)
	base := time.Date(2024, 12, 31, 23, 58, 0, 0, time.UTC)
	prev, err := enc.Key(base)
	require.NoError(t, err)
	for i := 1; i < 5; i++ {
		next, err := enc.Key(base.Add(time.Duration(i) * time.Minute))
		require.NoError(t, err)
		if next <= prev {
			t.Fatalf("expected %d > %d", next, prev)
		}
		prev = next
	}
}

func TestTimeKeyRoundTrip(t *testing.T) {
	key := TimeKey(202509021200)
	ts, err := key.Time(time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 9, 2, 12, 0, 0, 0, time.UTC), ts)
	assert.Equal(t, "202509021200", key.String())

	parsed, err := ParseTimeKey("202509021200")
	require.NoError(t, err)
	assert.Equal(t, key, parsed)

	_, err = ParseTimeKey("202513021200")
	var vErr *ValidationError
	assert.True(t, errors.As(err, &vErr))
}

func TestParseCompact(t *testing.T) {
	ts, err := ParseCompact("2509021205", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 9, 2, 12, 5, 0, 0, time.UTC), ts)

	for _, bad := range []string{"", "25090212", "25O9021205", "2513021205"} {
		_, err := ParseCompact(bad, time.UTC)
		assert.Error(t, err, bad)
	}
}
