// Package heatmap aggregates per-category risk samples into multi-resolution
// heat maps and derives health scores from them.
//
// Every risk sample is written into each resolution tier of the catalog so
// reads never have to roll up on the fly. The latest reading comes from the
// finest tier; a historical trend comes from the coarsest tier whose sample
// width divides the trend's point width.
package heatmap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidRiskScore    = errors.New("heatmap: risk score must be within [0, 1]")
	ErrInvalidScope        = errors.New("heatmap: scope id is required")
	ErrInvalidCategory     = errors.New("heatmap: unknown monitoring category")
	ErrInvalidCount        = errors.New("heatmap: anomalous counts must not be negative")
	ErrInvalidTimestamp    = errors.New("heatmap: timestamp is required")
	ErrInvalidTimeRange    = errors.New("heatmap: end time is before start time")
	ErrUnsupportedDuration = errors.New("heatmap: unsupported duration")
	ErrTooManyScopes       = errors.New("heatmap: too many scope ids in one request")
	ErrStoreUnavailable    = errors.New("heatmap: risk store unavailable")
)

// IsValidation reports whether err was caused by bad caller input.
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrInvalidRiskScore, ErrInvalidScope, ErrInvalidCategory, ErrInvalidCount,
		ErrInvalidTimestamp, ErrInvalidTimeRange, ErrUnsupportedDuration, ErrTooManyScopes,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether the operation failed on the backing store and
// may succeed if repeated.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// storeError wraps a backend failure so callers can classify it with
// IsRetryable. Context errors pass through untouched.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// ScopeID identifies a monitored entity. Service scopes are built from the
// path account/org/project/service; the project scope is their parent.
type ScopeID string

const scopeSep = "/"

// NewScopeID joins the hierarchy path into a scope id. Empty trailing parts
// are dropped, so NewScopeID(a, o, p, "") is the project scope.
func NewScopeID(account, org, project, service string) ScopeID {
	parts := []string{account, org, project, service}
	for len(parts) > 0 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return ScopeID(strings.Join(parts, scopeSep))
}

// Parents returns the enclosing scopes of a service scope, nearest first.
// Scopes that are not service-level have no parents.
func (s ScopeID) Parents() []ScopeID {
	parts := strings.Split(string(s), scopeSep)
	if len(parts) != 4 || parts[3] == "" {
		return nil
	}
	return []ScopeID{ScopeID(strings.Join(parts[:3], scopeSep))}
}

func (s ScopeID) String() string { return string(s) }

// Category is a monitoring category. The set is closed.
type Category string

const (
	CategoryErrors         Category = "ERRORS"
	CategoryPerformance    Category = "PERFORMANCE"
	CategoryInfrastructure Category = "INFRASTRUCTURE"
	CategoryResourceUsage  Category = "RESOURCE_USAGE"
)

var categories = []Category{
	CategoryErrors,
	CategoryPerformance,
	CategoryInfrastructure,
	CategoryResourceUsage,
}

// Categories returns every monitoring category in a stable order.
func Categories() []Category {
	out := make([]Category, len(categories))
	copy(out, categories)
	return out
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range categories {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCategory accepts a category name in any case.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToUpper(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidCategory, s)
	}
	return c, nil
}

// UnsetRiskScore marks a slot that exists but has never received a sample.
// Reads treat it as absent.
const UnsetRiskScore = -1.0

// RiskSample is one risk observation for a scope and category.
type RiskSample struct {
	ScopeID               ScopeID   `json:"scopeId"`
	Category              Category  `json:"category"`
	Timestamp             time.Time `json:"timestamp"`
	RiskScore             float64   `json:"riskScore"`
	AnomalousMetricsCount int64     `json:"anomalousMetricsCount"`
	AnomalousLogsCount    int64     `json:"anomalousLogsCount"`
}

// Validate checks the sample before it is fanned out.
func (s RiskSample) Validate() error {
	if strings.TrimSpace(string(s.ScopeID)) == "" {
		return ErrInvalidScope
	}
	if !s.Category.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, s.Category)
	}
	if s.Timestamp.IsZero() {
		return ErrInvalidTimestamp
	}
	// NaN fails both comparisons, so test the accepted range positively.
	if !(s.RiskScore >= 0 && s.RiskScore <= 1) {
		return fmt.Errorf("%w: got %v", ErrInvalidRiskScore, s.RiskScore)
	}
	if s.AnomalousMetricsCount < 0 || s.AnomalousLogsCount < 0 {
		return ErrInvalidCount
	}
	return nil
}

// RiskSlot is the aggregate of every sample whose timestamp falls in
// [StartTime, EndTime).
type RiskSlot struct {
	StartTime             time.Time `json:"startTime"`
	EndTime               time.Time `json:"endTime"`
	RiskScore             float64   `json:"riskScore"`
	AnomalousMetricsCount int64     `json:"anomalousMetricsCount"`
	AnomalousLogsCount    int64     `json:"anomalousLogsCount"`
}

// HasData reports whether the slot holds at least one sample.
func (s RiskSlot) HasData() bool { return s.RiskScore >= 0 }

// Bucket holds the slots of one scope, category and resolution over
// [BucketStart, BucketEnd). Risks is sorted by StartTime with unique starts.
type Bucket struct {
	ScopeID     ScopeID    `json:"scopeId"`
	Category    Category   `json:"category"`
	Resolution  string     `json:"resolution"`
	BucketStart time.Time  `json:"bucketStart"`
	BucketEnd   time.Time  `json:"bucketEnd"`
	Risks       []RiskSlot `json:"risks"`
}

// Merge folds slot into the bucket: a new start is inserted in order, an
// existing one is combined with MergeSlot.
func (b *Bucket) Merge(slot RiskSlot) {
	i := sort.Search(len(b.Risks), func(i int) bool {
		return !b.Risks[i].StartTime.Before(slot.StartTime)
	})
	if i < len(b.Risks) && b.Risks[i].StartTime.Equal(slot.StartTime) {
		b.Risks[i] = MergeSlot(b.Risks[i], slot)
		return
	}
	b.Risks = append(b.Risks, RiskSlot{})
	copy(b.Risks[i+1:], b.Risks[i:])
	b.Risks[i] = slot
}

// Slot returns the slot starting at start, if the bucket has one.
func (b *Bucket) Slot(start time.Time) (RiskSlot, bool) {
	i := sort.Search(len(b.Risks), func(i int) bool {
		return !b.Risks[i].StartTime.Before(start)
	})
	if i < len(b.Risks) && b.Risks[i].StartTime.Equal(start) {
		return b.Risks[i], true
	}
	return RiskSlot{}, false
}

// Clone returns a deep copy safe to hand to callers.
func (b *Bucket) Clone() *Bucket {
	c := *b
	c.Risks = make([]RiskSlot, len(b.Risks))
	copy(c.Risks, b.Risks)
	return &c
}

// BucketKey uniquely identifies a bucket.
type BucketKey struct {
	ScopeID     ScopeID
	Category    Category
	Resolution  Resolution
	BucketStart time.Time
}

// String renders the key for backends that address buckets by name.
func (k BucketKey) String() string {
	return string(k.ScopeID) + "|" + string(k.Category) + "|" + k.Resolution.Name + "|" +
		strconv.FormatInt(k.BucketStart.Unix(), 10)
}

// BucketEnd is the exclusive end of the bucket.
func (k BucketKey) BucketEnd() time.Time {
	return k.BucketStart.Add(k.Resolution.BucketWidth)
}

// NewBucket returns an empty bucket for the key.
func (k BucketKey) NewBucket() *Bucket {
	return &Bucket{
		ScopeID:     k.ScopeID,
		Category:    k.Category,
		Resolution:  k.Resolution.Name,
		BucketStart: k.BucketStart.UTC(),
		BucketEnd:   k.BucketEnd().UTC(),
	}
}

// BucketQuery selects the buckets of one scope, category and resolution
// whose BucketStart lies in [From, To).
type BucketQuery struct {
	ScopeID    ScopeID
	Category   Category
	Resolution Resolution
	From       time.Time
	To         time.Time
}

// Keys enumerates the bucket keys the query can match. From is floored to a
// bucket boundary first.
func (q BucketQuery) Keys() []BucketKey {
	var keys []BucketKey
	for t := q.Resolution.BucketStart(q.From); t.Before(q.To); t = t.Add(q.Resolution.BucketWidth) {
		keys = append(keys, BucketKey{
			ScopeID:     q.ScopeID,
			Category:    q.Category,
			Resolution:  q.Resolution,
			BucketStart: t,
		})
	}
	return keys
}

// Store persists risk buckets.
//
// Upsert must be atomic per key: create the bucket if absent, then merge the
// slot into it, with concurrent upserts to the same key serialized so no
// update is lost. Buckets returns buckets ordered by BucketStart; callers may
// not mutate them.
type Store interface {
	Upsert(ctx context.Context, key BucketKey, slot RiskSlot) error
	Buckets(ctx context.Context, q BucketQuery) ([]*Bucket, error)
}

// Pinger is implemented by stores that can report backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}
