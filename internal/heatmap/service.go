package heatmap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/healthscore/internal/traces"
)

const (
	DefaultMaxScopesPerRequest = 10
	DefaultLatestWindowSlots   = 2

	// maxHeatMapSlots is the slot budget HeatMap uses to pick a resolution.
	maxHeatMapSlots = 48
	// maxHeatMapSpan bounds the coarsest-tier fallback.
	maxHeatMapSpan = 2048

	// queryConcurrency bounds per-scope fan-out on reads.
	queryConcurrency = 8
)

// Policy tunes the engine.
type Policy struct {
	// MaxScopesPerRequest caps the scopes one HistoricalTrend call may ask for.
	MaxScopesPerRequest int
	// LatestWindowSlots is how many finest-tier sample widths before the
	// last slot boundary a closed slot may have ended and still count as
	// latest.
	LatestWindowSlots int
	// RollupToParents also writes every sample into the scope's parents.
	RollupToParents bool
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxScopesPerRequest: DefaultMaxScopesPerRequest,
		LatestWindowSlots:   DefaultLatestWindowSlots,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxScopesPerRequest <= 0 {
		p.MaxScopesPerRequest = DefaultMaxScopesPerRequest
	}
	if p.LatestWindowSlots <= 0 {
		p.LatestWindowSlots = DefaultLatestWindowSlots
	}
	return p
}

// UpdateListener is told about every sample UpdateRisk stored in all
// resolutions. reading is the sample's own score over its finest slot.
// Implementations must not block.
type UpdateListener interface {
	RiskUpdated(ctx context.Context, sample RiskSample, reading HealthReading)
}

// Service writes risk samples into every resolution and answers health
// queries from the tier that fits each query.
type Service struct {
	store   Store
	catalog *Catalog
	policy  Policy
	logger  *slog.Logger
	now     func() time.Time

	listeners []UpdateListener
}

// NewService creates a service over store with the default catalog and policy.
func NewService(store Store) *Service {
	return &Service{
		store:   store,
		catalog: DefaultCatalog(),
		policy:  DefaultPolicy(),
		logger:  slog.Default(),
		now:     time.Now,
	}
}

// WithCatalog replaces the resolution catalog.
func (s *Service) WithCatalog(c *Catalog) *Service {
	s.catalog = c
	return s
}

// WithPolicy replaces the policy. Zero fields take their defaults.
func (s *Service) WithPolicy(p Policy) *Service {
	s.policy = p.normalized()
	return s
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock sets the time source used when a query omits its reference time.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithListener adds a listener notified after successful updates.
func (s *Service) WithListener(l UpdateListener) *Service {
	s.listeners = append(s.listeners, l)
	return s
}

// Catalog returns the resolution catalog.
func (s *Service) Catalog() *Catalog { return s.catalog }

// Policy returns the active policy.
func (s *Service) Policy() Policy { return s.policy }

// Ping checks the backing store if it supports it.
func (s *Service) Ping(ctx context.Context) error {
	if p, ok := s.store.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// UpdateRisk writes one sample into every resolution of the catalog, and
// into the parent scopes when the policy asks for it.
//
// The per-resolution writes run concurrently and independently: a failing
// tier does not stop the others, and the first failure is returned once all
// writes have finished.
func (s *Service) UpdateRisk(ctx context.Context, sample RiskSample) (err error) {
	ctx, span := traces.StartSpan(ctx, "heatmap.UpdateRisk",
		traces.ScopeID(string(sample.ScopeID)), traces.Category(string(sample.Category)))
	defer endSpan(span, &err, "risk update failed")

	if err := sample.Validate(); err != nil {
		hmUpdates.WithLabelValues("invalid").Inc()
		return err
	}

	scopes := []ScopeID{sample.ScopeID}
	if s.policy.RollupToParents {
		scopes = append(scopes, sample.ScopeID.Parents()...)
	}

	var g errgroup.Group
	for _, scope := range scopes {
		for _, res := range s.catalog.Resolutions() {
			key := BucketKey{
				ScopeID:     scope,
				Category:    sample.Category,
				Resolution:  res,
				BucketStart: res.BucketStart(sample.Timestamp),
			}
			slotStart := res.SlotStart(sample.Timestamp)
			slot := RiskSlot{
				StartTime:             slotStart,
				EndTime:               slotStart.Add(res.SampleWidth),
				RiskScore:             sample.RiskScore,
				AnomalousMetricsCount: sample.AnomalousMetricsCount,
				AnomalousLogsCount:    sample.AnomalousLogsCount,
			}
			g.Go(func() error {
				if err := s.store.Upsert(ctx, key, slot); err != nil {
					hmFanoutFailures.WithLabelValues(res.Name).Inc()
					s.logger.Warn("risk fan-out write failed",
						"scope", scope, "category", sample.Category,
						"resolution", res.Name, "error", err)
					return fmt.Errorf("resolution %s: %w", res.Name, storeError("upsert", err))
				}
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		hmUpdates.WithLabelValues("partial_failure").Inc()
		return err
	}
	hmUpdates.WithLabelValues("ok").Inc()

	if len(s.listeners) > 0 {
		finest := s.catalog.Finest()
		slotStart := finest.SlotStart(sample.Timestamp)
		reading := ReadingOf(sample.RiskScore, slotStart, slotStart.Add(finest.SampleWidth))
		for _, l := range s.listeners {
			l.RiskUpdated(ctx, sample, reading)
		}
	}
	return nil
}

// LatestHealth returns, per scope, the health of the most recent populated
// finest-tier slot in the window ending with the slot that contains now.
// Categories are combined by taking the lowest score. A zero now means the
// service clock.
func (s *Service) LatestHealth(ctx context.Context, scopeIDs []ScopeID, now time.Time) (_ map[ScopeID]HealthReading, err error) {
	ctx, span := traces.StartSpan(ctx, "heatmap.LatestHealth", traces.ScopeCount(len(scopeIDs)))
	defer func() { hmQueries.WithLabelValues("latest", queryResult(err)).Inc() }()
	defer endSpan(span, &err, "latest health failed")

	if err := validateScopes(scopeIDs); err != nil {
		return nil, err
	}
	now = s.resolveNow(now)

	out := make(map[ScopeID]HealthReading, len(scopeIDs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(queryConcurrency)
	for _, scope := range dedupe(scopeIDs) {
		g.Go(func() error {
			byCategory, err := s.latestByCategory(gctx, scope, now)
			if err != nil {
				return err
			}
			reading := s.combineLatest(byCategory, now)
			mu.Lock()
			out[scope] = reading
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, r := range out {
		if !r.HasData() {
			hmNoData.WithLabelValues("latest").Inc()
		}
	}
	return out, nil
}

// LatestCategoryHealth is LatestHealth for one scope, without combining
// categories.
func (s *Service) LatestCategoryHealth(ctx context.Context, scopeID ScopeID, now time.Time) (_ map[Category]HealthReading, err error) {
	ctx, span := traces.StartSpan(ctx, "heatmap.LatestCategoryHealth", traces.ScopeID(string(scopeID)))
	defer func() { hmQueries.WithLabelValues("latest_category", queryResult(err)).Inc() }()
	defer endSpan(span, &err, "latest category health failed")

	if err := validateScopes([]ScopeID{scopeID}); err != nil {
		return nil, err
	}
	return s.latestByCategory(ctx, scopeID, s.resolveNow(now))
}

// latestWindow is the finest-tier search window for a latest query, as
// [start, end) over slot starts. With b the slot boundary at or before now,
// a closed slot qualifies when it ended no earlier than LatestWindowSlots
// sample widths before b; the still-open slot [b, b+w) qualifies too.
func (s *Service) latestWindow(now time.Time) (Resolution, time.Time, time.Time) {
	res := s.catalog.Finest()
	b := res.SlotStart(now)
	start := b.Add(-time.Duration(s.policy.LatestWindowSlots+1) * res.SampleWidth)
	return res, start, b.Add(res.SampleWidth)
}

func (s *Service) latestByCategory(ctx context.Context, scopeID ScopeID, now time.Time) (map[Category]HealthReading, error) {
	res, start, end := s.latestWindow(now)

	out := make(map[Category]HealthReading, len(categories))
	for _, c := range categories {
		buckets, err := s.store.Buckets(ctx, BucketQuery{
			ScopeID:    scopeID,
			Category:   c,
			Resolution: res,
			From:       start,
			To:         end,
		})
		if err != nil {
			return nil, storeError("buckets", err)
		}

		latest, ok := latestSlot(buckets, start, end)
		if !ok {
			out[c] = NoDataReading(start, end)
			continue
		}
		out[c] = ReadingOf(latest.RiskScore, latest.StartTime, latest.EndTime)
	}
	return out, nil
}

// combineLatest folds per-category latest readings. The combined reading
// covers the most recent slot any category reported.
func (s *Service) combineLatest(byCategory map[Category]HealthReading, now time.Time) HealthReading {
	_, start, end := s.latestWindow(now)

	readings := make([]HealthReading, 0, len(byCategory))
	var newest time.Time
	for _, c := range categories {
		r, ok := byCategory[c]
		if !ok {
			continue
		}
		readings = append(readings, r)
		if r.HasData() && r.StartTime.After(newest) {
			newest = r.StartTime
		}
	}
	if !newest.IsZero() {
		start, end = newest, newest.Add(s.catalog.Finest().SampleWidth)
	}
	return CombineReadings(start, end, readings...)
}

// latestSlot returns the populated slot with the greatest start in [start, end).
func latestSlot(buckets []*Bucket, start, end time.Time) (RiskSlot, bool) {
	var (
		best  RiskSlot
		found bool
	)
	for _, b := range buckets {
		for _, slot := range b.Risks {
			if !slot.HasData() || slot.StartTime.Before(start) || !slot.StartTime.Before(end) {
				continue
			}
			if !found || slot.StartTime.After(best.StartTime) {
				best, found = slot, true
			}
		}
	}
	return best, found
}

// HistoricalTrend returns TrendPoints equal-width readings per scope covering
// the preset window that ends with the slot containing endTime. Each point is
// the worst risk among its slots, and categories are combined by taking the
// lowest score. With no categories given, all are combined.
func (s *Service) HistoricalTrend(ctx context.Context, scopeIDs []ScopeID, d Duration, endTime time.Time, cats ...Category) (_ map[ScopeID][]HealthReading, err error) {
	ctx, span := traces.StartSpan(ctx, "heatmap.HistoricalTrend",
		traces.ScopeCount(len(scopeIDs)), traces.Duration(string(d)))
	defer func() { hmQueries.WithLabelValues("trend", queryResult(err)).Inc() }()
	defer endSpan(span, &err, "historical trend failed")

	if len(scopeIDs) > s.policy.MaxScopesPerRequest {
		return nil, fmt.Errorf("%w: %d requested, limit is %d",
			ErrTooManyScopes, len(scopeIDs), s.policy.MaxScopesPerRequest)
	}
	if err := validateScopes(scopeIDs); err != nil {
		return nil, err
	}
	res, err := s.catalog.ForTrend(d)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.Resolution(res.Name))

	if len(cats) == 0 {
		cats = categories
	}
	for _, c := range cats {
		if !c.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, c)
		}
	}
	endTime = s.resolveNow(endTime)

	out := make(map[ScopeID][]HealthReading, len(scopeIDs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(queryConcurrency)
	for _, scope := range dedupe(scopeIDs) {
		g.Go(func() error {
			points, err := s.trend(gctx, scope, d, res, endTime, cats)
			if err != nil {
				return err
			}
			mu.Lock()
			out[scope] = points
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// OverallHealthTrend is HistoricalTrend for a single scope.
func (s *Service) OverallHealthTrend(ctx context.Context, scopeID ScopeID, d Duration, endTime time.Time) ([]HealthReading, error) {
	if err := validateScopes([]ScopeID{scopeID}); err != nil {
		return nil, err
	}
	byScope, err := s.HistoricalTrend(ctx, []ScopeID{scopeID}, d, endTime)
	if err != nil {
		return nil, err
	}
	return byScope[scopeID], nil
}

// TrendWindow returns the [start, end) interval a trend for d ending at
// endTime covers, and the resolution it is read from.
func (s *Service) TrendWindow(d Duration, endTime time.Time) (Resolution, time.Time, time.Time, error) {
	res, err := s.catalog.ForTrend(d)
	if err != nil {
		return Resolution{}, time.Time{}, time.Time{}, err
	}
	width, _ := d.Width()
	end := res.SlotStart(s.resolveNow(endTime)).Add(res.SampleWidth)
	return res, end.Add(-width), end, nil
}

func (s *Service) trend(ctx context.Context, scopeID ScopeID, d Duration, res Resolution, endTime time.Time, cats []Category) ([]HealthReading, error) {
	width, _ := d.Width()
	point := d.PointWidth()
	end := res.SlotStart(endTime).Add(res.SampleWidth)
	start := end.Add(-width)

	// perPoint[i] collects one reading per category for point i.
	perPoint := make([][]HealthReading, TrendPoints)
	for _, c := range cats {
		buckets, err := s.store.Buckets(ctx, BucketQuery{
			ScopeID:    scopeID,
			Category:   c,
			Resolution: res,
			From:       start,
			To:         end,
		})
		if err != nil {
			return nil, storeError("buckets", err)
		}

		grouped := make([][]RiskSlot, TrendPoints)
		for _, b := range buckets {
			for _, slot := range b.Risks {
				if slot.StartTime.Before(start) || !slot.StartTime.Before(end) {
					continue
				}
				i := int(slot.StartTime.Sub(start) / point)
				grouped[i] = append(grouped[i], slot)
			}
		}

		for i, slots := range grouped {
			ps := start.Add(time.Duration(i) * point)
			risk, ok := WorstRisk(slots)
			if !ok {
				risk = UnsetRiskScore
			}
			perPoint[i] = append(perPoint[i], ReadingOf(risk, ps, ps.Add(point)))
		}
	}

	points := make([]HealthReading, TrendPoints)
	noData := 0
	for i := range points {
		ps := start.Add(time.Duration(i) * point)
		points[i] = CombineReadings(ps, ps.Add(point), perPoint[i]...)
		if !points[i].HasData() {
			noData++
		}
	}
	hmNoData.WithLabelValues("trend").Add(float64(noData))
	return points, nil
}

// HeatMapView is the slot series HeatMap returns.
type HeatMapView struct {
	ScopeID    ScopeID    `json:"scopeId"`
	Category   Category   `json:"category"`
	Resolution string     `json:"resolution"`
	Slots      []RiskSlot `json:"slots"`
}

// HeatMap returns the raw slots of one category over [start, end], both ends
// floored to the chosen resolution and inclusive. The finest tier with at
// most maxHeatMapSlots slots is used. Slots with no samples carry
// UnsetRiskScore.
func (s *Service) HeatMap(ctx context.Context, scopeID ScopeID, category Category, start, end time.Time) (_ *HeatMapView, err error) {
	ctx, span := traces.StartSpan(ctx, "heatmap.HeatMap",
		traces.ScopeID(string(scopeID)), traces.Category(string(category)))
	defer func() { hmQueries.WithLabelValues("heatmap", queryResult(err)).Inc() }()
	defer endSpan(span, &err, "heat map failed")

	if err := validateScopes([]ScopeID{scopeID}); err != nil {
		return nil, err
	}
	if !category.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	if start.IsZero() || end.IsZero() {
		return nil, ErrInvalidTimestamp
	}
	if end.Before(start) {
		return nil, ErrInvalidTimeRange
	}

	res := s.catalog.ForSpan(start, end, maxHeatMapSlots)
	span.SetAttributes(traces.Resolution(res.Name))
	from := res.SlotStart(start)
	to := res.SlotStart(end).Add(res.SampleWidth)
	if n := int(to.Sub(from) / res.SampleWidth); n > maxHeatMapSpan {
		return nil, fmt.Errorf("%w: span of %d %s slots exceeds %d",
			ErrInvalidTimeRange, n, res.Name, maxHeatMapSpan)
	}

	buckets, err := s.store.Buckets(ctx, BucketQuery{
		ScopeID:    scopeID,
		Category:   category,
		Resolution: res,
		From:       from,
		To:         to,
	})
	if err != nil {
		return nil, storeError("buckets", err)
	}

	stored := make(map[int64]RiskSlot)
	for _, b := range buckets {
		for _, slot := range b.Risks {
			stored[slot.StartTime.UnixNano()] = slot
		}
	}

	view := &HeatMapView{ScopeID: scopeID, Category: category, Resolution: res.Name}
	for t := from; t.Before(to); t = t.Add(res.SampleWidth) {
		if slot, ok := stored[t.UnixNano()]; ok {
			view.Slots = append(view.Slots, slot)
			continue
		}
		view.Slots = append(view.Slots, RiskSlot{
			StartTime: t,
			EndTime:   t.Add(res.SampleWidth),
			RiskScore: UnsetRiskScore,
		})
	}
	return view, nil
}

// ResolveTime returns t in UTC, or the service clock's current time when t
// is zero. Callers that make several queries against one implicit "now"
// resolve it once up front.
func (s *Service) ResolveTime(t time.Time) time.Time { return s.resolveNow(t) }

func (s *Service) resolveNow(t time.Time) time.Time {
	if t.IsZero() {
		return s.now().UTC()
	}
	return t.UTC()
}

func validateScopes(ids []ScopeID) error {
	for _, id := range ids {
		if strings.TrimSpace(string(id)) == "" {
			return ErrInvalidScope
		}
	}
	return nil
}

func dedupe(ids []ScopeID) []ScopeID {
	seen := make(map[ScopeID]bool, len(ids))
	out := make([]ScopeID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func endSpan(span trace.Span, err *error, msg string) {
	if *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, msg)
	}
	span.End()
}
