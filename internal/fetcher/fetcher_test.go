package fetcher

import (
	"context"
	"testing"
	"time"

	"fluxpipeline/internal/flux"
)

type fakeStore struct {
	ranges map[string]flux.Range
	points map[string][]flux.Point
}

func (s *fakeStore) TimestampRange(ctx context.Context, source flux.Source, channel flux.Channel) (*flux.Range, error) {
	r, ok := s.ranges[source.Name]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *fakeStore) Fetch(ctx context.Context, source flux.Source, channel flux.Channel, interval time.Duration, r flux.Range, timeout time.Duration) ([]flux.Point, error) {
	return s.points[source.Name], nil
}

func day(n int) time.Time {
	return time.Date(2024, 1, n, 0, 0, 0, 0, time.UTC)
}

func TestFetchSplitsAcrossSourcesByPriority(t *testing.T) {
	store := &fakeStore{
		ranges: map[string]flux.Range{
			"archive": flux.NewRange(day(1), day(5)),
			"live":    flux.NewRange(day(4), day(10)),
		},
		points: map[string][]flux.Point{
			"archive": {{Time: day(2), Flux: 1}},
			"live":    {{Time: day(6), Flux: 2}},
		},
	}

	f := New(store, flux.BandLong)
	f.Refresh(context.Background())

	points, err := f.Fetch(context.Background(), day(1), day(10), time.Hour, time.Second)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("expected 2 points (one per source section), got %d: %+v", len(points), points)
	}
	if !points[0].Time.Equal(day(2)) || !points[1].Time.Equal(day(6)) {
		t.Fatalf("expected archive section before live section, got %+v", points)
	}
}

func TestFetchReturnsNilWhenNoSourceOverlaps(t *testing.T) {
	store := &fakeStore{
		ranges: map[string]flux.Range{
			"archive": flux.NewRange(day(1), day(2)),
		},
	}
	f := New(store, flux.BandLong)
	f.Refresh(context.Background())

	points, err := f.Fetch(context.Background(), day(5), day(6), time.Hour, time.Second)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if points != nil {
		t.Fatalf("expected nil points, got %+v", points)
	}
}

func TestFetchReturnsNilBeforeFirstRefresh(t *testing.T) {
	f := New(&fakeStore{}, flux.BandLong)
	points, err := f.Fetch(context.Background(), day(1), day(2), time.Hour, time.Second)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if points != nil {
		t.Fatalf("expected nil points before any Refresh, got %+v", points)
	}
}

func TestStatusReflectsUnionOfSourceRanges(t *testing.T) {
	store := &fakeStore{
		ranges: map[string]flux.Range{
			"archive": flux.NewRange(day(1), day(5)),
			"live":    flux.NewRange(day(4), day(10)),
		},
	}
	f := New(store, flux.BandLong)
	f.Refresh(context.Background())

	status := f.Status()
	if status == nil {
		t.Fatalf("expected non-nil status after Refresh")
	}
	if !status.Start.Equal(day(1)) || !status.End.Equal(day(10)) {
		t.Fatalf("Status = %+v, want union [day(1), day(10))", status)
	}
}

func TestRunExitsOnContextCancellation(t *testing.T) {
	f := New(&fakeStore{}, flux.BandLong)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not exit promptly after cancellation")
	}
}
