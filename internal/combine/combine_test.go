package combine

import (
	"math"
	"testing"
	"time"

	"fluxpipeline/internal/flux"
)

func points(start time.Time, step time.Duration, vals []float32) []flux.Point {
	out := make([]flux.Point, len(vals))
	for i, v := range vals {
		out[i] = flux.Point{Time: start.Add(time.Duration(i) * step), Flux: v}
	}
	return out
}

func TestCombineSingleSatellitePassesThrough(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	raw := points(start, time.Minute, []float32{1e-6, 1e-6, 1e-6, 1e-6, 1e-6})
	sat := SatelliteSeries{Satellite: 16, Raw: raw, Clean: raw}

	combined := Combine([]SatelliteSeries{sat})
	for _, out := range []struct {
		name   string
		points []flux.Point
	}{{"clean", combined.Clean}, {"raw", combined.Raw}} {
		if len(out.points) != len(raw) {
			t.Fatalf("%s: expected %d combined points, got %d", out.name, len(raw), len(out.points))
		}
		for i, p := range out.points {
			if math.Abs(float64(p.Flux)-1e-6) > 1e-9 {
				t.Fatalf("%s point %d: got %v want 1e-6", out.name, i, p.Flux)
			}
		}
	}
}

func TestCombinePrefersMoreCompleteSatellite(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	n := 60
	rawA := make([]flux.Point, n)
	cleanA := make([]flux.Point, 0, n)
	for i := 0; i < n; i++ {
		tm := start.Add(time.Duration(i) * time.Minute)
		rawA[i] = flux.Point{Time: tm, Flux: 1e-6}
		cleanA = append(cleanA, flux.Point{Time: tm, Flux: 1e-6})
	}
	rawB := make([]flux.Point, n)
	cleanB := make([]flux.Point, 0)
	for i := 0; i < n; i++ {
		tm := start.Add(time.Duration(i) * time.Minute)
		rawB[i] = flux.Point{Time: tm, Flux: 1e-5}
		if i < 5 {
			cleanB = append(cleanB, flux.Point{Time: tm, Flux: 1e-5})
		}
	}

	combined := Combine([]SatelliteSeries{
		{Satellite: 16, Raw: rawA, Clean: cleanA},
		{Satellite: 17, Raw: rawB, Clean: cleanB},
	})
	if len(combined.Clean) == 0 {
		t.Fatalf("expected combined clean output")
	}
	mid := combined.Clean[len(combined.Clean)/2]
	if math.Abs(float64(mid.Flux)-1e-6) > 1e-7 {
		t.Fatalf("expected fully-covered satellite to dominate mid-series, got %v", mid.Flux)
	}
}

func TestCombineProducesBothRawAndCleanChannels(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	n := 30
	raw := make([]flux.Point, n)
	clean := make([]flux.Point, n)
	for i := 0; i < n; i++ {
		tm := start.Add(time.Duration(i) * time.Minute)
		raw[i] = flux.Point{Time: tm, Flux: 2e-6} // noisier raw reading
		clean[i] = flux.Point{Time: tm, Flux: 1e-6}
	}
	sat := SatelliteSeries{Satellite: 16, Raw: raw, Clean: clean}

	combined := Combine([]SatelliteSeries{sat})
	if len(combined.Clean) == 0 || len(combined.Raw) == 0 {
		t.Fatalf("expected both channels populated, got clean=%d raw=%d", len(combined.Clean), len(combined.Raw))
	}
	if math.Abs(float64(combined.Clean[n/2].Flux)-1e-6) > 1e-9 {
		t.Fatalf("clean channel should track the clean values, got %v", combined.Clean[n/2].Flux)
	}
	if math.Abs(float64(combined.Raw[n/2].Flux)-2e-6) > 1e-9 {
		t.Fatalf("raw channel should track the raw values, got %v", combined.Raw[n/2].Flux)
	}
}

func TestIntegrationWeightsCapAtSixtySeconds(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	times := []time.Time{start, start.Add(10 * time.Minute), start.Add(20 * time.Minute)}
	w := integrationWeights(times)
	if w[1] != 120 {
		t.Fatalf("expected capped integration weight of 120s, got %v", w[1])
	}
}

func TestInterpolateAndFillEdges(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	times := []time.Time{start, start.Add(time.Minute), start.Add(2 * time.Minute), start.Add(3 * time.Minute)}
	values := []float64{math.NaN(), 2, math.NaN(), math.NaN()}
	out := interpolateAndFill(times, values)
	if out[0] != 2 {
		t.Fatalf("expected leading NaN filled from first known value, got %v", out[0])
	}
	if out[2] != 2 || out[3] != 2 {
		t.Fatalf("expected trailing NaNs filled forward, got %v %v", out[2], out[3])
	}
}
