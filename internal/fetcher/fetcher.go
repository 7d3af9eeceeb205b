// Package fetcher implements the query-time source selection and
// merging used to answer a bounded-resolution range query (spec.md
// §4.7): a periodically refreshed per-source time-range index, used to
// split a request interval across sources by priority and concatenate
// their downsampled results.
package fetcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"fluxpipeline/internal/flux"
	"fluxpipeline/internal/metrics"
)

// RefreshInterval is how often the range index is refreshed against the
// store (spec.md §4.7: "refreshed every 10 s").
const RefreshInterval = 10 * time.Second

// DefaultChannel is the channel every query answers against: the clean
// combined series.
var DefaultChannel = flux.Channel{Satellite: flux.SatelliteCombinedID, IsClean: true}

// Store is the subset of *storage.Store the fetcher depends on.
type Store interface {
	Fetch(ctx context.Context, source flux.Source, channel flux.Channel, interval time.Duration, r flux.Range, timeout time.Duration) ([]flux.Point, error)
	TimestampRange(ctx context.Context, source flux.Source, channel flux.Channel) (*flux.Range, error)
}

// ranges is the immutable snapshot swapped atomically on each refresh:
// per-source range plus the union across every source.
type ranges struct {
	bySource map[string]flux.Range
	union    *flux.Range
}

// Fetcher maintains the lock-free, periodically hot-swapped range index
// and answers range queries by splitting across sources in priority
// order (skew/skew.go's atomic.Pointer[Table] pattern, generalized from a
// correction-table cache to a source-range-index cache).
type Fetcher struct {
	store   Store
	band    flux.Band
	current atomic.Pointer[ranges]
}

// New builds a Fetcher for the given band. Callers must call Refresh (or
// Run) before the first query to populate the index.
func New(store Store, band flux.Band) *Fetcher {
	return &Fetcher{store: store, band: band}
}

// Run refreshes the range index every RefreshInterval until ctx is
// cancelled, exiting cleanly on cancellation (spec.md §5: "The periodic
// fetcher refresh is cancellable; cancellation causes graceful exit from
// its loop.").
func (f *Fetcher) Run(ctx context.Context) {
	f.Refresh(ctx)
	ticker := time.NewTicker(RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Refresh(ctx)
		}
	}
}

// Refresh re-reads every source's timestamp range and atomically swaps
// the index. A source query failure leaves that source absent from the
// refreshed snapshot rather than aborting the whole refresh.
func (f *Fetcher) Refresh(ctx context.Context) {
	next := &ranges{bySource: make(map[string]flux.Range, len(flux.Sources))}
	channel := flux.Channel{Satellite: flux.SatelliteCombinedID, Band: f.band, IsClean: true}
	for _, source := range flux.Sources {
		r, err := f.store.TimestampRange(ctx, source, channel)
		if err != nil || r == nil {
			continue
		}
		next.bySource[source.Name] = *r
		if next.union == nil {
			u := *r
			next.union = &u
		} else {
			u := next.union.Union(*r)
			next.union = &u
		}
	}
	f.current.Store(next)
}

// Status returns the currently known overall [start, end) across every
// source, or nil if nothing has been indexed yet.
func (f *Fetcher) Status() *flux.Range {
	snap := f.current.Load()
	if snap == nil {
		return nil
	}
	return snap.union
}

// section is one source's slice of a split query.
type section struct {
	source flux.Source
	r      flux.Range
}

// Fetch splits [start, end) across sources by priority (ARCHIVE, then
// LIVE), issues each section's downsampled fetch concurrently, and
// concatenates the results in source-priority order, so the merged
// series is monotonic even though sections are fetched out of order.
func (f *Fetcher) Fetch(ctx context.Context, start, end time.Time, interval time.Duration, timeout time.Duration) ([]flux.Point, error) {
	defer metrics.Timer(metrics.QueryFetchDuration)()

	snap := f.current.Load()
	if snap == nil {
		return nil, nil
	}

	var sections []section
	sectionStart := start
	for _, source := range flux.Sources {
		sourceRange, ok := snap.bySource[source.Name]
		if !ok || !sourceRange.Overlaps(flux.NewRange(sectionStart, end)) {
			continue
		}
		sectionEnd := end
		if sourceRange.End.Before(sectionEnd) {
			sectionEnd = sourceRange.End
		}
		if !sectionStart.Before(sectionEnd) {
			continue
		}
		sections = append(sections, section{source: source, r: flux.NewRange(sectionStart, sectionEnd)})
		if !end.After(sourceRange.End) {
			break
		}
		sectionStart = sectionEnd
	}
	if len(sections) == 0 {
		return nil, nil
	}

	results := make([][]flux.Point, len(sections))
	errs := make([]error, len(sections))
	var wg sync.WaitGroup
	channel := flux.Channel{Satellite: flux.SatelliteCombinedID, Band: f.band, IsClean: true}
	for i, sec := range sections {
		i, sec := i, sec
		wg.Add(1)
		go func() {
			defer wg.Done()
			points, err := f.store.Fetch(ctx, sec.source, channel, interval, sec.r, timeout)
			if err != nil {
				errs[i] = fmt.Errorf("fetcher: section %s: %w", sec.source.Name, err)
				return
			}
			results[i] = points
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			metrics.QueryFetchErrorsTotal.WithLabelValues("fetch").Inc()
			return nil, err
		}
	}

	out := make([]flux.Point, 0, len(sections)*64)
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

// FetchRaw is Fetch's (epoch_ms, f32) variant suitable for direct JSON
// serialization without an intermediate domain-struct allocation.
func (f *Fetcher) FetchRaw(ctx context.Context, start, end time.Time, interval time.Duration, timeout time.Duration) ([][2]float64, error) {
	points, err := f.Fetch(ctx, start, end, interval, timeout)
	if err != nil {
		return nil, err
	}
	out := make([][2]float64, len(points))
	for i, p := range points {
		out[i] = [2]float64{float64(p.Time.UnixMilli()), float64(p.Flux)}
	}
	return out, nil
}
