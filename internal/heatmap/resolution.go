package heatmap

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Resolution is one aggregation tier: slots of SampleWidth grouped into
// buckets of BucketWidth.
type Resolution struct {
	Name        string
	SampleWidth time.Duration
	BucketWidth time.Duration
}

// Default tiers, finest first.
var (
	FiveMinutes   = Resolution{Name: "FIVE_MIN", SampleWidth: 5 * time.Minute, BucketWidth: 4 * time.Hour}
	ThirtyMinutes = Resolution{Name: "THIRTY_MIN", SampleWidth: 30 * time.Minute, BucketWidth: 24 * time.Hour}
	ThreeHours    = Resolution{Name: "THREE_HOURS", SampleWidth: 3 * time.Hour, BucketWidth: 7 * 24 * time.Hour}
)

// Validate checks the tier's geometry.
func (r Resolution) Validate() error {
	switch {
	case r.Name == "":
		return errors.New("heatmap: resolution name is required")
	case r.SampleWidth <= 0 || r.BucketWidth <= 0:
		return fmt.Errorf("heatmap: resolution %s: widths must be positive", r.Name)
	case r.BucketWidth%r.SampleWidth != 0:
		return fmt.Errorf("heatmap: resolution %s: bucket width %s is not a multiple of sample width %s",
			r.Name, r.BucketWidth, r.SampleWidth)
	}
	return nil
}

// SlotsPerBucket is BucketWidth / SampleWidth.
func (r Resolution) SlotsPerBucket() int {
	return int(r.BucketWidth / r.SampleWidth)
}

// BucketStart floors t to the start of its bucket.
func (r Resolution) BucketStart(t time.Time) time.Time { return Floor(t, r.BucketWidth) }

// SlotStart floors t to the start of its slot.
func (r Resolution) SlotStart(t time.Time) time.Time { return Floor(t, r.SampleWidth) }

// Floor rounds t down to a multiple of d measured from the Unix epoch, in UTC.
// time.Truncate measures from year 1, which does not align weekly buckets.
func Floor(t time.Time, d time.Duration) time.Time {
	ns := t.UnixNano()
	m := ns % int64(d)
	if m < 0 {
		m += int64(d)
	}
	return time.Unix(0, ns-m).UTC()
}

// Duration is a trend window preset.
type Duration string

const (
	FourHours       Duration = "FOUR_HOURS"
	TwentyFourHours Duration = "TWENTY_FOUR_HOURS"
	ThreeDays       Duration = "THREE_DAYS"
	SevenDays       Duration = "SEVEN_DAYS"
	ThirtyDays      Duration = "THIRTY_DAYS"
)

// TrendPoints is the number of points in every historical trend.
const TrendPoints = 48

var durations = []struct {
	preset Duration
	width  time.Duration
}{
	{FourHours, 4 * time.Hour},
	{TwentyFourHours, 24 * time.Hour},
	{ThreeDays, 3 * 24 * time.Hour},
	{SevenDays, 7 * 24 * time.Hour},
	{ThirtyDays, 30 * 24 * time.Hour},
}

// Durations returns every preset, shortest first.
func Durations() []Duration {
	out := make([]Duration, len(durations))
	for i, d := range durations {
		out[i] = d.preset
	}
	return out
}

// ParseDuration accepts a preset name in any case, or a Go duration string
// equal to a preset's width ("24h", "168h").
func ParseDuration(s string) (Duration, error) {
	name := Duration(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := name.Width(); ok {
		return name, nil
	}
	if w, err := time.ParseDuration(s); err == nil {
		for _, d := range durations {
			if d.width == w {
				return d.preset, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedDuration, s)
}

// Width returns the window length of the preset.
func (d Duration) Width() (time.Duration, bool) {
	for _, known := range durations {
		if known.preset == d {
			return known.width, true
		}
	}
	return 0, false
}

// PointWidth is the width of one trend point: Width / TrendPoints.
func (d Duration) PointWidth() time.Duration {
	w, _ := d.Width()
	return w / TrendPoints
}

// Catalog is the ordered set of resolutions every sample is written to.
type Catalog struct {
	resolutions []Resolution
}

// NewCatalog validates the tiers and orders them finest first. Every
// duration preset must be servable by some tier.
func NewCatalog(rs ...Resolution) (*Catalog, error) {
	if len(rs) == 0 {
		return nil, errors.New("heatmap: catalog needs at least one resolution")
	}
	sorted := make([]Resolution, len(rs))
	copy(sorted, rs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].SampleWidth < sorted[j].SampleWidth })

	seen := make(map[string]bool, len(sorted))
	for _, r := range sorted {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("heatmap: duplicate resolution %s", r.Name)
		}
		seen[r.Name] = true
	}

	c := &Catalog{resolutions: sorted}
	for _, d := range Durations() {
		if _, err := c.ForTrend(d); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// DefaultCatalog is FiveMinutes, ThirtyMinutes and ThreeHours.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(FiveMinutes, ThirtyMinutes, ThreeHours)
	if err != nil {
		panic(err)
	}
	return c
}

// Resolutions returns the tiers, finest first.
func (c *Catalog) Resolutions() []Resolution {
	out := make([]Resolution, len(c.resolutions))
	copy(out, c.resolutions)
	return out
}

// Finest returns the tier with the smallest sample width.
func (c *Catalog) Finest() Resolution { return c.resolutions[0] }

// Lookup finds a tier by name.
func (c *Catalog) Lookup(name string) (Resolution, bool) {
	for _, r := range c.resolutions {
		if r.Name == name {
			return r, true
		}
	}
	return Resolution{}, false
}

// ForTrend picks the coarsest tier whose sample width evenly divides the
// preset's point width, so every point is made of whole slots.
func (c *Catalog) ForTrend(d Duration) (Resolution, error) {
	if _, ok := d.Width(); !ok {
		return Resolution{}, fmt.Errorf("%w: %q", ErrUnsupportedDuration, d)
	}
	point := d.PointWidth()
	for i := len(c.resolutions) - 1; i >= 0; i-- {
		r := c.resolutions[i]
		if r.SampleWidth <= point && point%r.SampleWidth == 0 {
			return r, nil
		}
	}
	return Resolution{}, fmt.Errorf("%w: no resolution divides the %s point width of %s",
		ErrUnsupportedDuration, point, d)
}

// ForSpan picks the finest tier that covers [start, end] in at most
// maxSlots slots, falling back to the coarsest tier.
func (c *Catalog) ForSpan(start, end time.Time, maxSlots int) Resolution {
	for _, r := range c.resolutions {
		n := int(r.SlotStart(end).Sub(r.SlotStart(start))/r.SampleWidth) + 1
		if n <= maxSlots {
			return r
		}
	}
	return c.resolutions[len(c.resolutions)-1]
}
