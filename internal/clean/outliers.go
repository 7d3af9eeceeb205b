package clean

import (
	"math"
	"time"
)

const (
	gapSplitThreshold = time.Hour
	intervalWindow    = 30 // point count, not time, for median interval estimation
	intervalMinSec    = 1.0
	intervalMaxSec    = 60.0
	minuteAveragedSec = 30.0

	clipWindow      = 30 * time.Minute
	clipMaxCap      = -3.0
	clipMinCap      = -8.0
	clipSlack       = 0.1
	flatVelocityMax = 1e-6

	highAccelRaw       = 0.0002
	excessiveAccelRaw  = 0.01
	highAccelMinute    = 0.0007
	excessiveAccelMin  = 0.04
	bridgeWindowPoints = 5
	bridgeMinCount     = 2

	groupVelocityMeanDrop   = 0.01
	groupVelocityMedianDrop = 1e-6
)

// removeOutliers drops clipped sensor artifacts and acceleration spikes,
// splits what remains into contiguous groups at clipped/high-acceleration
// edges and gaps, and drops whole groups whose typical movement looks
// unphysical. It returns the survivors as groups, not a flattened series,
// since every downstream filter (impossible dips, connectivity) makes its
// decisions per group rather than per point.
func removeOutliers(s series) ([]series, float64) {
	dt := timeDeltasSeconds(s)
	isAfterHugeGap := make([]bool, s.Len())
	for i, d := range dt {
		isAfterHugeGap[i] = d > gapSplitThreshold.Seconds()
	}

	medianInterval, isMinuteAveraged := classifyIntervals(s, dt, isAfterHugeGap)

	isAfterGap := make([]bool, s.Len())
	for i, d := range dt {
		isAfterGap[i] = d > medianInterval[i]*10
	}

	velocity := centralVelocity(s, dt)
	acceleration := centralAcceleration(velocity, dt)
	absVelocity := abs(velocity)
	absAcceleration := abs(acceleration)

	clippedValue := markClippedValues(s, absVelocity)
	clippedEdge := hasPreviousChanged(clippedValue)
	highAccel := markHighAcceleration(s, absAcceleration, isMinuteAveraged, medianInterval)
	highAccelEdge := hasPreviousChanged(highAccel)

	groupStart := make([]bool, s.Len())
	keep := make([]bool, s.Len())
	for i := range s.values {
		excessiveThreshold := excessiveAccelRaw
		if isMinuteAveraged[i] {
			excessiveThreshold = excessiveAccelMin
		}
		excessive := absAcceleration[i] > excessiveThreshold
		keep[i] = !clippedValue[i] && !excessive
		groupStart[i] = clippedEdge[i] || highAccelEdge[i] || isAfterGap[i]
	}

	groupIDs := cumsumGroups(groupStart)

	return filterGroupsByVelocity(s, absVelocity, groupIDs, keep), medianOf(medianInterval)
}

func medianOf(vals []float64) float64 {
	return quantileOf(vals, 0.5)
}

func timeDeltasSeconds(s series) []float64 {
	out := make([]float64, s.Len())
	for i := range s.times {
		if i == 0 {
			out[i] = 0
			continue
		}
		out[i] = s.times[i].Sub(s.times[i-1]).Seconds()
	}
	return out
}

// classifyIntervals estimates, per gap-delimited group, the typical
// sample interval (a rolling median over a fixed point count, clipped to
// a sane [1s, 60s] range, then smoothed forward by a reversed rolling
// min-of-2 pass) and flags points whose source cadence looks like a
// minute-averaged feed rather than raw per-second telemetry.
func classifyIntervals(s series, dt []float64, isAfterGap []bool) ([]float64, []bool) {
	groupIDs := cumsumGroups(isAfterGap)
	median := make([]float64, s.Len())

	start := 0
	for i := 1; i <= len(groupIDs); i++ {
		if i == len(groupIDs) || groupIDs[i] != groupIDs[start] {
			segment := dt[start:i]
			result := rollingMedianCount(segment, intervalWindow)
			for j := range result {
				result[j] = clip(result[j], intervalMinSec, intervalMaxSec)
			}
			result = reversedRollingMin2(result)
			copy(median[start:i], result)
			start = i
		}
	}

	isMinuteAveraged := make([]bool, s.Len())
	for i, m := range median {
		isMinuteAveraged[i] = m >= minuteAveragedSec
	}
	return median, isMinuteAveraged
}

// rollingMedianCount computes a centered rolling median over a fixed
// number of samples (not a time window), used where the original groups
// by point count rather than duration.
func rollingMedianCount(vals []float64, window int) []float64 {
	half := window / 2
	out := make([]float64, len(vals))
	for i := range vals {
		lo := i - half
		hi := i + half + 1
		if lo < 0 {
			lo = 0
		}
		if hi > len(vals) {
			hi = len(vals)
		}
		out[i] = quantileOf(vals[lo:hi], 0.5)
	}
	return out
}

// reversedRollingMin2 takes the min of each value and its successor,
// read back to front; it lets a short, anomalously high estimate be
// pulled down by a following, lower one.
func reversedRollingMin2(vals []float64) []float64 {
	n := len(vals)
	out := make([]float64, n)
	for i := n - 1; i >= 0; i-- {
		if i == n-1 {
			out[i] = vals[i]
			continue
		}
		out[i] = math.Min(vals[i], vals[i+1])
	}
	return out
}

func cumsumGroups(starts []bool) []int {
	out := make([]int, len(starts))
	id := 0
	for i, s := range starts {
		if i > 0 && s {
			id++
		}
		out[i] = id
	}
	return out
}

// centralVelocity returns, per point, the larger-magnitude of the
// forward and backward finite-difference slopes, so a point sitting at
// either edge of a sharp transition is still flagged.
func centralVelocity(s series, dt []float64) []float64 {
	n := s.Len()
	forward := make([]float64, n)
	backward := make([]float64, n)
	for i := 0; i < n; i++ {
		if i == 0 || dt[i] == 0 {
			forward[i] = math.NaN()
		} else {
			forward[i] = (s.values[i] - s.values[i-1]) / dt[i]
		}
		if i == n-1 || dt[i+1] == 0 {
			backward[i] = math.NaN()
		} else {
			backward[i] = (s.values[i+1] - s.values[i]) / dt[i+1]
		}
	}
	return elementwiseMax(abs(forward), abs(backward))
}

func centralAcceleration(velocity []float64, dt []float64) []float64 {
	n := len(velocity)
	forward := make([]float64, n)
	backward := make([]float64, n)
	for i := 0; i < n; i++ {
		if i == 0 || dt[i] == 0 || math.IsNaN(velocity[i]) || math.IsNaN(velocity[i-1]) {
			forward[i] = math.NaN()
		} else {
			forward[i] = (velocity[i] - velocity[i-1]) / dt[i]
		}
		if i == n-1 || dt[i+1] == 0 || math.IsNaN(velocity[i+1]) || math.IsNaN(velocity[i]) {
			backward[i] = math.NaN()
		} else {
			backward[i] = (velocity[i+1] - velocity[i]) / dt[i+1]
		}
	}
	return elementwiseMax(abs(forward), abs(backward))
}

// markClippedValues flags points sitting at a sensor saturation rail: the
// local rolling extreme is already past the instrument's plausible range
// and the point itself is essentially flat. This is the raw per-point
// mask; callers derive group boundaries from its edges separately via
// hasPreviousChanged.
func markClippedValues(s series, absVelocity []float64) []bool {
	rollMax := rollingMax(s, clipWindow)
	rollMin := rollingMin(s, clipWindow)
	medianVelocity := rollingMedianCount(absVelocity, intervalWindow)

	out := make([]bool, s.Len())
	for i, v := range s.values {
		nearMax := rollMax[i] >= clipMaxCap && v >= rollMax[i]-clipSlack
		nearMin := rollMin[i] <= clipMinCap && v <= rollMin[i]+clipSlack
		out[i] = (nearMax || nearMin) && medianVelocity[i] < flatVelocityMax
	}
	return out
}

// markHighAcceleration flags acceleration spikes above the elevated
// threshold (raw vs. minute-averaged telemetry gets a different bar),
// then also flags every point with at least two flagged points within
// about 2.5 median intervals of it, on either or both sides, so a brief
// true reading between spikes doesn't split one group in two.
// This is the raw per-point mask; callers derive group boundaries from
// its edges separately via hasPreviousChanged.
func markHighAcceleration(s series, absAcceleration []float64, isMinuteAveraged []bool, medianInterval []float64) []bool {
	edge := make([]bool, s.Len())
	for i, a := range absAcceleration {
		threshold := highAccelRaw
		if isMinuteAveraged[i] {
			threshold = highAccelMinute
		}
		edge[i] = a > threshold
	}

	bridged := newBoolSeries(s.times, edge)
	out := make([]bool, s.Len())
	for i := range edge {
		interval := medianInterval[i]
		if interval <= 0 {
			interval = intervalMinSec
		}
		window := time.Duration(bridgeWindowPoints*interval) * time.Second
		half := window / 2
		lo, hi := bridged.windowBounds(i, half)
		count := 0
		for j := lo; j < hi; j++ {
			if edge[j] {
				count++
			}
		}
		out[i] = edge[i] || count >= bridgeMinCount
	}
	return out
}

// filterGroupsByVelocity splits the surviving points into contiguous
// groups by groupIDs and drops every group whose average movement is
// implausibly large, or whose median movement is implausibly flat for a
// multi-point group (typically a stuck sensor), excluding each group's
// own first point from the velocity statistics since it carries the
// transition into the group.
func filterGroupsByVelocity(s series, absVelocity []float64, groupIDs []int, keep []bool) []series {
	n := s.Len()
	groupValues := map[int][]float64{}
	groupSize := map[int]int{}
	for i := 0; i < n; i++ {
		if !keep[i] {
			continue
		}
		gid := groupIDs[i]
		groupSize[gid]++
		if groupSize[gid] > 1 {
			groupValues[gid] = append(groupValues[gid], absVelocity[i])
		}
	}

	dropGroup := map[int]bool{}
	for gid, vals := range groupValues {
		if len(vals) == 0 {
			continue
		}
		if mean(vals) > groupVelocityMeanDrop || quantileOf(vals, 0.5) < groupVelocityMedianDrop {
			dropGroup[gid] = true
		}
	}

	var groups []series
	var times []time.Time
	var values []float64
	currentGID := -1
	flush := func() {
		if len(times) > 0 {
			groups = append(groups, newSeries(times, values))
		}
		times = nil
		values = nil
	}
	for i := 0; i < n; i++ {
		if !keep[i] || dropGroup[groupIDs[i]] {
			continue
		}
		if groupIDs[i] != currentGID {
			flush()
			currentGID = groupIDs[i]
		}
		times = append(times, s.times[i])
		values = append(values, s.values[i])
	}
	flush()
	return groups
}
