package heatmap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloorIsEpochAligned(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 34, 56, 0, time.UTC) // a Friday

	assert.Equal(t, time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC), Floor(ts, 5*time.Minute))
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), Floor(ts, 4*time.Hour))
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), Floor(ts, 24*time.Hour))
	// Weekly buckets start on Thursdays, like the epoch.
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), Floor(ts, 7*24*time.Hour))
}

func TestFloorNormalizesZone(t *testing.T) {
	zone := time.FixedZone("UTC+2", 2*60*60)
	ts := time.Date(2024, 3, 1, 14, 7, 0, 0, zone) // 12:07 UTC

	got := Floor(ts, 5*time.Minute)
	assert.Equal(t, time.UTC, got.Location())
	assert.Equal(t, time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC), got)
}

func TestFloorBeforeEpoch(t *testing.T) {
	ts := time.Date(1969, 12, 31, 23, 58, 0, 0, time.UTC)
	assert.Equal(t, time.Date(1969, 12, 31, 23, 55, 0, 0, time.UTC), Floor(ts, 5*time.Minute))
}

func TestResolutionGeometry(t *testing.T) {
	assert.Equal(t, 48, FiveMinutes.SlotsPerBucket())
	assert.Equal(t, 48, ThirtyMinutes.SlotsPerBucket())
	assert.Equal(t, 56, ThreeHours.SlotsPerBucket())

	ts := time.Date(2024, 3, 1, 13, 47, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), FiveMinutes.BucketStart(ts))
	assert.Equal(t, time.Date(2024, 3, 1, 13, 45, 0, 0, time.UTC), FiveMinutes.SlotStart(ts))
	assert.Equal(t, time.Date(2024, 3, 1, 13, 30, 0, 0, time.UTC), ThirtyMinutes.SlotStart(ts))
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), ThreeHours.SlotStart(ts))
}

func TestResolutionValidate(t *testing.T) {
	assert.NoError(t, FiveMinutes.Validate())
	assert.Error(t, Resolution{SampleWidth: time.Minute, BucketWidth: time.Hour}.Validate())
	assert.Error(t, Resolution{Name: "X", SampleWidth: 0, BucketWidth: time.Hour}.Validate())
	assert.Error(t, Resolution{Name: "X", SampleWidth: 7 * time.Minute, BucketWidth: time.Hour}.Validate())
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want Duration
	}{
		{"FOUR_HOURS", FourHours},
		{"twenty_four_hours", TwentyFourHours},
		{" seven_days ", SevenDays},
		{"72h", ThreeDays},
		{"720h", ThirtyDays},
	}
	for _, tc := range tests {
		got, err := ParseDuration(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	for _, bad := range []string{"", "FORTNIGHT", "5h", "ONE_HOUR"} {
		_, err := ParseDuration(bad)
		assert.ErrorIs(t, err, ErrUnsupportedDuration, bad)
	}
}

func TestPointWidth(t *testing.T) {
	assert.Equal(t, 5*time.Minute, FourHours.PointWidth())
	assert.Equal(t, 30*time.Minute, TwentyFourHours.PointWidth())
	assert.Equal(t, 90*time.Minute, ThreeDays.PointWidth())
	assert.Equal(t, 210*time.Minute, SevenDays.PointWidth())
	assert.Equal(t, 15*time.Hour, ThirtyDays.PointWidth())
}

func TestCatalogForTrend(t *testing.T) {
	c := DefaultCatalog()

	tests := map[Duration]Resolution{
		FourHours:       FiveMinutes,
		TwentyFourHours: ThirtyMinutes,
		ThreeDays:       ThirtyMinutes,
		SevenDays:       ThirtyMinutes,
		ThirtyDays:      ThreeHours,
	}
	for d, want := range tests {
		got, err := c.ForTrend(d)
		require.NoError(t, err, d)
		assert.Equal(t, want.Name, got.Name, d)
	}

	_, err := c.ForTrend("NINETY_DAYS")
	assert.ErrorIs(t, err, ErrUnsupportedDuration)
}

func TestNewCatalog(t *testing.T) {
	c, err := NewCatalog(ThreeHours, FiveMinutes, ThirtyMinutes)
	require.NoError(t, err)
	assert.Equal(t, FiveMinutes, c.Finest())
	assert.Equal(t, []Resolution{FiveMinutes, ThirtyMinutes, ThreeHours}, c.Resolutions())

	r, ok := c.Lookup("THIRTY_MIN")
	assert.True(t, ok)
	assert.Equal(t, ThirtyMinutes, r)
	_, ok = c.Lookup("ONE_DAY")
	assert.False(t, ok)

	_, err = NewCatalog()
	assert.Error(t, err)

	_, err = NewCatalog(FiveMinutes, FiveMinutes)
	assert.Error(t, err, "duplicate names")

	// A single coarse tier cannot serve the four hour preset.
	_, err = NewCatalog(ThreeHours)
	assert.ErrorIs(t, err, ErrUnsupportedDuration)
}

func TestCatalogResolutionsIsACopy(t *testing.T) {
	c := DefaultCatalog()
	rs := c.Resolutions()
	rs[0] = ThreeHours
	assert.Equal(t, FiveMinutes, c.Finest())
}

func TestCatalogForSpan(t *testing.T) {
	c := DefaultCatalog()
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, FiveMinutes, c.ForSpan(start, start.Add(235*time.Minute), 48), "48 five minute slots")
	assert.Equal(t, ThirtyMinutes, c.ForSpan(start, start.Add(4*time.Hour), 48), "49 five minute slots is too many")
	assert.Equal(t, ThreeHours, c.ForSpan(start, start.Add(3*24*time.Hour), 48))
	assert.Equal(t, ThreeHours, c.ForSpan(start, start.Add(60*24*time.Hour), 48), "falls back to the coarsest tier")
}
