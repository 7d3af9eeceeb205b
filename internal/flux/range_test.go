package flux

import (
	"testing"
	"time"
)

func TestRangeExtend(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRange(base, base.Add(time.Hour))
	extended := r.Extend(10 * time.Minute)
	if !extended.Start.Equal(base.Add(-10 * time.Minute)) {
		t.Fatalf("expected start extended by 10m, got %v", extended.Start)
	}
	if !extended.End.Equal(base.Add(70 * time.Minute)) {
		t.Fatalf("expected end extended by 10m, got %v", extended.End)
	}
}

func TestRangeContainsHalfOpen(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRange(base, base.Add(time.Hour))
	if !r.Contains(base) {
		t.Fatalf("expected start to be contained")
	}
	if r.Contains(base.Add(time.Hour)) {
		t.Fatalf("expected end to be excluded")
	}
}

func TestWhichIncludes(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ranges := []Range{
		NewRange(base, base.Add(time.Hour)),
		NewRange(base.Add(2*time.Hour), base.Add(3*time.Hour)),
	}
	got := WhichIncludes(ranges)
	if !got.Start.Equal(base) || !got.End.Equal(base.Add(3*time.Hour)) {
		t.Fatalf("unexpected union range: %v", got)
	}
}

func TestSourceSelectRelation(t *testing.T) {
	cases := []struct {
		interval time.Duration
		want     string
	}{
		{time.Second, "flux_archive"},
		{10 * time.Second, "flux_archive_10s"},
		{time.Minute, "flux_archive_1m"},
		{24 * time.Hour, "flux_archive_12h"},
		{10 * 24 * time.Hour, "flux_archive_5d"},
	}
	for _, c := range cases {
		if got := SourceArchive.SelectRelation(c.interval); got != c.want {
			t.Fatalf("SelectRelation(%v) = %q, want %q", c.interval, got, c.want)
		}
	}
	if got := SourceLive.SelectRelation(time.Second); got != "flux_live" {
		t.Fatalf("live raw relation = %q, want flux_live", got)
	}
}
