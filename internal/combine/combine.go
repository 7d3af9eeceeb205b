// Package combine merges the per-satellite channels of a single band into
// two combined series — one from the raw grid, one from the cleaned
// grid — favoring whichever satellite currently has the most complete,
// least-stale coverage and fading weight smoothly across handoffs
// instead of hard-cutting between satellites. Gap detection and segment
// weighting are always derived from each satellite's clean channel, even
// when producing the raw-combined output, since the clean channel is the
// trustworthy signal for deciding which stretches of data are usable.
package combine

import (
	"math"
	"sort"
	"time"

	"fluxpipeline/internal/flux"
)

const (
	gapThreshold     = 5 * time.Minute
	minSegmentWeight = 0.25
	smoothingWindow  = 10 * time.Minute
	integrationCap   = 60 * time.Second
)

// CombineBorderSize is the time margin a caller must fetch on either side
// of the range it wants combined, so gap/segment classification near the
// edges has the same context it would have in the interior.
const CombineBorderSize = 6 * time.Hour

// SatelliteSeries is one satellite's raw sample grid and cleaned values
// for a single band, the two columns merged by the combiner.
type SatelliteSeries struct {
	Satellite int16
	Raw       []flux.Point
	Clean     []flux.Point
}

// Combined holds both combined channels produced for one band.
type Combined struct {
	Clean []flux.Point
	Raw   []flux.Point
}

// Combine produces both the clean-combined and raw-combined channels for
// a band. Each satellite's gap/segment classification is computed once
// from its clean channel on the union of every satellite's clean sample
// grid; the clean-combined output applies that directly, and the
// raw-combined output reindexes the same classification onto the union
// of every satellite's raw sample grid.
func Combine(satellites []SatelliteSeries) Combined {
	if len(satellites) == 0 {
		return Combined{}
	}

	cleanGrid := unionTimes(satellites, func(s SatelliteSeries) []flux.Point { return s.Clean })
	if len(cleanGrid) == 0 {
		return Combined{}
	}
	rawGrid := unionTimes(satellites, func(s SatelliteSeries) []flux.Point { return s.Raw })

	cleanValues := make([][]float64, len(satellites))
	cleanEffective := make([][]float64, len(satellites))
	cleanIsGap := make([][]bool, len(satellites))

	for si, sat := range satellites {
		values := reindexPoints(cleanGrid, sat.Clean)
		isGap := classifyGaps(cleanGrid, values)
		hasReference := make([]bool, len(cleanGrid))
		for i, v := range values {
			hasReference[i] = !math.IsNaN(v)
		}

		weight := segmentWeights(cleanGrid, isGap, hasReference)
		cleanEffective[si] = effectiveWeight(cleanGrid, weight)
		cleanValues[si] = interpolateAndFill(cleanGrid, values)
		cleanIsGap[si] = isGap
	}

	rawValues := make([][]float64, len(satellites))
	rawEffective := make([][]float64, len(satellites))

	for si, sat := range satellites {
		values := reindexPoints(rawGrid, sat.Raw)
		isGap := holdReindexBool(cleanGrid, cleanIsGap[si], rawGrid)
		hasReference := reindexExists(rawGrid, sat.Clean)

		weight := segmentWeights(rawGrid, isGap, hasReference)
		rawEffective[si] = effectiveWeight(rawGrid, weight)
		rawValues[si] = interpolateAndFill(rawGrid, values)
	}

	return Combined{
		Clean: weightedAverage(cleanGrid, cleanValues, cleanEffective),
		Raw:   weightedAverage(rawGrid, rawValues, rawEffective),
	}
}

// effectiveWeight smooths weight over time and fades it out around
// handoffs where the weight drops to zero (a satellite going stale),
// returning one weight series per point ready to use in a weighted sum.
func effectiveWeight(times []time.Time, weight []float64) []float64 {
	smoothedWeight, smoothedZero := timeWeightedSmooth(times, weight)
	effective := make([]float64, len(times))
	for i := range times {
		factor := 1 - math.Min(2*smoothedZero[i], 1)
		if weight[i] == 0 {
			factor = 0
		}
		effective[i] = smoothedWeight[i] * factor
	}
	return effective
}

func weightedAverage(times []time.Time, values [][]float64, weights [][]float64) []flux.Point {
	out := make([]flux.Point, 0, len(times))
	for i, t := range times {
		var weightedSum, weightTotal float64
		for si := range values {
			w := weights[si][i]
			if w <= 0 || math.IsNaN(values[si][i]) {
				continue
			}
			weightedSum += values[si][i] * w
			weightTotal += w
		}
		if weightTotal <= 0 {
			continue
		}
		out = append(out, flux.Point{Time: t, Flux: float32(weightedSum / weightTotal)})
	}
	return out
}

// classifyGaps marks, per point, whether it sits inside a gap: every
// point with no reading of its own is marked. The distance to the nearest
// reading on either side is also compared against gapThreshold, but that
// distance is zero for points that have a reading, so the comparison
// marks no further points.
func classifyGaps(times []time.Time, values []float64) []bool {
	fwdGap, bwdGap := gapDistances(times, values)
	isGap := make([]bool, len(times))
	for i := range times {
		isGap[i] = math.IsNaN(values[i]) || fwdGap[i] > gapThreshold.Seconds() || bwdGap[i] > gapThreshold.Seconds()
	}
	return isGap
}

// windowBounds returns the half-open index range of times within half a
// window on either side of times[i]; times must be sorted ascending.
func windowBounds(times []time.Time, i int, half time.Duration) (int, int) {
	center := times[i]
	lowerBound := center.Add(-half)
	upperBound := center.Add(half)
	lo := sort.Search(len(times), func(j int) bool { return !times[j].Before(lowerBound) })
	hi := sort.Search(len(times), func(j int) bool { return times[j].After(upperBound) })
	return lo, hi
}

// unionTimes gathers every distinct timestamp selector(sat) returns
// across satellites, deduplicated and sorted ascending.
func unionTimes(satellites []SatelliteSeries, selector func(SatelliteSeries) []flux.Point) []time.Time {
	seen := map[int64]time.Time{}
	for _, sat := range satellites {
		for _, p := range selector(sat) {
			seen[p.Time.UnixNano()] = p.Time
		}
	}
	out := make([]time.Time, 0, len(seen))
	for _, t := range seen {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// reindexPoints places each point onto times by exact timestamp match,
// leaving NaN where no point exists at that instant.
func reindexPoints(times []time.Time, points []flux.Point) []float64 {
	byTime := make(map[int64]float64, len(points))
	for _, p := range points {
		byTime[p.Time.UnixNano()] = float64(p.Flux)
	}
	out := make([]float64, len(times))
	for i, t := range times {
		if v, ok := byTime[t.UnixNano()]; ok {
			out[i] = v
		} else {
			out[i] = math.NaN()
		}
	}
	return out
}

// reindexExists reports, for each of times, whether points has a sample
// at exactly that instant.
func reindexExists(times []time.Time, points []flux.Point) []bool {
	seen := make(map[int64]bool, len(points))
	for _, p := range points {
		seen[p.Time.UnixNano()] = true
	}
	out := make([]bool, len(times))
	for i, t := range times {
		out[i] = seen[t.UnixNano()]
	}
	return out
}

// holdReindexBool reindexes a boolean series computed on srcTimes onto
// dstTimes by holding the value of the nearest srcTimes point at or
// before each destination instant (clamped to the first flag before the
// first source point), approximating how a segment classification
// carries forward until the next real observation updates it.
func holdReindexBool(srcTimes []time.Time, srcFlags []bool, dstTimes []time.Time) []bool {
	out := make([]bool, len(dstTimes))
	if len(srcTimes) == 0 {
		return out
	}
	for i, t := range dstTimes {
		j := sort.Search(len(srcTimes), func(k int) bool { return srcTimes[k].After(t) })
		if j > 0 {
			j--
		}
		out[i] = srcFlags[j]
	}
	return out
}

// gapDistances returns, per point, the time distance in seconds to the
// nearest non-NaN value forward and backward.
func gapDistances(times []time.Time, values []float64) ([]float64, []float64) {
	n := len(times)
	fwd := make([]float64, n)
	bwd := make([]float64, n)

	lastSeen := -1
	for i := 0; i < n; i++ {
		if !math.IsNaN(values[i]) {
			lastSeen = i
			bwd[i] = 0
			continue
		}
		if lastSeen < 0 {
			bwd[i] = math.Inf(1)
		} else {
			bwd[i] = times[i].Sub(times[lastSeen]).Seconds()
		}
	}
	lastSeen = -1
	for i := n - 1; i >= 0; i-- {
		if !math.IsNaN(values[i]) {
			lastSeen = i
			fwd[i] = 0
			continue
		}
		if lastSeen < 0 {
			fwd[i] = math.Inf(1)
		} else {
			fwd[i] = times[lastSeen].Sub(times[i]).Seconds()
		}
	}
	return fwd, bwd
}

// segmentWeights splits the grid into contiguous non-gap runs and scores
// each run by how much of it actually carries a clean reference reading
// relative to this satellite's best-covered run, so a thin, mostly-empty
// stretch counts for little even before the smoothing pass softens its
// edges.
func segmentWeights(times []time.Time, isGap []bool, hasReference []bool) []float64 {
	n := len(times)
	segmentID := make([]int, n)
	id := 0
	for i := 0; i < n; i++ {
		if i > 0 && isGap[i] != isGap[i-1] {
			id++
		}
		segmentID[i] = id
	}

	counts := map[int]int{}
	for i := 0; i < n; i++ {
		if !isGap[i] && hasReference[i] {
			counts[segmentID[i]]++
		}
	}
	maxCount := 0
	for _, c := range counts {
		if c > maxCount {
			maxCount = c
		}
	}

	out := make([]float64, n)
	if maxCount == 0 {
		return out
	}
	for i := 0; i < n; i++ {
		if isGap[i] {
			out[i] = 0
			continue
		}
		w := float64(counts[segmentID[i]]) / float64(maxCount)
		if w < minSegmentWeight {
			w = 0
		}
		out[i] = w
	}
	return out
}

// timeWeightedSmooth averages weight over a centered time window, each
// sample's contribution scaled by the span of time it represents (capped
// so one very isolated point can't dominate), and separately reports the
// same smoothed fraction computed over the weight's zero-ness, used to
// build the handoff fade factor.
func timeWeightedSmooth(times []time.Time, weight []float64) ([]float64, []float64) {
	n := len(times)
	integration := integrationWeights(times)

	isZero := make([]float64, n)
	for i, w := range weight {
		if w == 0 {
			isZero[i] = 1
		}
	}

	half := smoothingWindow / 2
	smoothedWeight := make([]float64, n)
	smoothedZero := make([]float64, n)
	for i := range times {
		lo, hi := windowBounds(times, i, half)
		var wSum, wZero, denom float64
		for j := lo; j < hi; j++ {
			iw := integration[j]
			wSum += weight[j] * iw
			wZero += isZero[j] * iw
			denom += iw
		}
		if denom == 0 {
			smoothedWeight[i] = weight[i]
			smoothedZero[i] = isZero[i]
			continue
		}
		smoothedWeight[i] = wSum / denom
		smoothedZero[i] = wZero / denom
	}
	return smoothedWeight, smoothedZero
}

// integrationWeights assigns each point a weight for the time it
// represents: the gap to its predecessor plus the gap to its successor,
// each capped at integrationCap so a single very sparse point
// doesn't swamp a smoothing window.
func integrationWeights(times []time.Time) []float64 {
	n := len(times)
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		var back, fwd time.Duration
		if i > 0 {
			back = times[i].Sub(times[i-1])
		}
		if i < n-1 {
			fwd = times[i+1].Sub(times[i])
		}
		if back > integrationCap {
			back = integrationCap
		}
		if fwd > integrationCap {
			fwd = integrationCap
		}
		out[i] = back.Seconds() + fwd.Seconds()
	}
	return out
}

// interpolateAndFill linearly interpolates interior NaN gaps in time and
// then forward/backward-fills whatever remains at either edge.
func interpolateAndFill(times []time.Time, values []float64) []float64 {
	n := len(values)
	out := make([]float64, n)
	copy(out, values)

	i := 0
	for i < n {
		if !math.IsNaN(out[i]) {
			i++
			continue
		}
		start := i - 1
		for i < n && math.IsNaN(out[i]) {
			i++
		}
		end := i
		if start < 0 || end >= n {
			continue // edge run, handled by fill pass below
		}
		t0, v0 := times[start], out[start]
		t1, v1 := times[end], out[end]
		span := t1.Sub(t0).Seconds()
		for j := start + 1; j < end; j++ {
			frac := times[j].Sub(t0).Seconds() / span
			out[j] = v0 + (v1-v0)*frac
		}
	}

	firstKnown := -1
	for i := 0; i < n; i++ {
		if !math.IsNaN(out[i]) {
			firstKnown = i
			break
		}
	}
	if firstKnown < 0 {
		return out // entirely empty column
	}
	for i := 0; i < firstKnown; i++ {
		out[i] = out[firstKnown]
	}
	lastKnown := firstKnown
	for i := firstKnown; i < n; i++ {
		if !math.IsNaN(out[i]) {
			lastKnown = i
		} else {
			out[i] = out[lastKnown]
		}
	}
	return out
}
