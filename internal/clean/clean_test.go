package clean

import (
	"math"
	"testing"
	"time"

	"fluxpipeline/internal/flux"
)

func mkPoints(start time.Time, step time.Duration, vals []float32) []flux.Point {
	out := make([]flux.Point, len(vals))
	for i, v := range vals {
		out[i] = flux.Point{Time: start.Add(time.Duration(i) * step), Flux: v}
	}
	return out
}

func TestSanitizeDropsNonPhysicalAndDuplicates(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	points := []flux.Point{
		{Time: start, Flux: 1e-7},
		{Time: start, Flux: 2e-7}, // duplicate timestamp, dropped
		{Time: start.Add(time.Second), Flux: 0},     // not physical
		{Time: start.Add(2 * time.Second), Flux: -1}, // not physical
		{Time: start.Add(3 * time.Second), Flux: 1e-6},
	}
	s := sanitize(points)
	if s.Len() != 2 {
		t.Fatalf("expected 2 surviving points, got %d", s.Len())
	}
	if s.values[0] != float64(float32(1e-7)) {
		t.Fatalf("expected first duplicate kept, got %v", s.values[0])
	}
}

func TestCleanSteadyRampSurvives(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	// A slow, steady rise. A perfectly flat series would be dropped, since
	// groups whose median |velocity| is below groupVelocityMedianDrop count
	// as a stuck sensor; and the series must be dense enough to pass the
	// density filter.
	n := 2000
	vals := make([]float32, n)
	for i := range vals {
		vals[i] = float32(math.Pow(10, -6+1e-5*float64(i)))
	}
	points := mkPoints(start, time.Second, vals)

	out := Clean(points)
	if len(out) == 0 {
		t.Fatalf("expected steady ramp to survive cleaning")
	}
	for _, p := range out {
		want := float64(vals[int(p.Time.Sub(start)/time.Second)])
		if math.Abs(float64(p.Flux)-want) > want*1e-6 {
			t.Fatalf("steady value drifted at %v: got %v want %v", p.Time, p.Flux, want)
		}
	}
}

func TestCleanEmptyInput(t *testing.T) {
	if out := Clean(nil); out != nil {
		t.Fatalf("expected nil output for nil input, got %v", out)
	}
}

func TestFilterImpossibleDipsRemovesDeepSpike(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	// Six hours of 10 s samples, so the dip is a small share of the 4 h and
	// 16 h baseline windows and does not drag the baseline down with it.
	n := 2160
	times := make([]time.Time, n)
	values := make([]float64, n)
	for i := range values {
		times[i] = start.Add(time.Duration(i) * 10 * time.Second)
		values[i] = -6.0
	}
	for i := 1000; i < 1015; i++ {
		values[i] = -6.0 - 0.5 // implausibly deep dip
	}
	s := newSeries(times, values)
	groups := filterImpossibleDips([]series{s})
	for _, g := range groups {
		for i, v := range g.values {
			if v < -6.3 {
				t.Fatalf("expected deep dip removed, still present at %d: %v", i, v)
			}
		}
	}
}

func TestQuantileOfLinearInterpolation(t *testing.T) {
	vals := []float64{1, 2, 3, 4}
	got := quantileOf(vals, 0.5)
	want := 2.5
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("quantileOf median = %v, want %v", got, want)
	}
}

func TestElementwiseMaxHandlesNaN(t *testing.T) {
	a := []float64{1, math.NaN(), math.NaN()}
	b := []float64{math.NaN(), 2, math.NaN()}
	got := elementwiseMax(a, b)
	if got[0] != 1 || got[1] != 2 || !math.IsNaN(got[2]) {
		t.Fatalf("unexpected elementwiseMax result: %v", got)
	}
}

func TestElementwiseMinHandlesNaN(t *testing.T) {
	a := []float64{1, math.NaN(), math.NaN()}
	b := []float64{2, 2, math.NaN()}
	got := elementwiseMin(a, b)
	if got[0] != 1 || got[1] != 2 || !math.IsNaN(got[2]) {
		t.Fatalf("unexpected elementwiseMin result: %v", got)
	}
}
