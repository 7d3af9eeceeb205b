// Package clean implements the flux cleaning pipeline: raw irradiance
// samples go in, a denoised and outlier-filtered series with known-bad
// sections removed comes out. All numeric work happens in the log10-flux
// domain so that additive smoothing behaves like a multiplicative one on
// the original scale.
package clean

import (
	"math"
	"sort"
	"time"

	"fluxpipeline/internal/flux"
)

const (
	sustainedWindow = 40 * time.Second
	smoothWindow    = 5 * time.Minute

	roughThreshold         = 0.004
	slightlyRoughThreshold = 0.0035
	validSlopeRatioMin     = 0.35
	roughDensityFraction   = 0.2

	correctionClampMin = -0.8
	correctionClampMax = 0.8
	correctionSlack    = 0.1
)

// Clean runs the full pipeline over a raw series (already restricted to a
// single satellite/band channel) and returns the cleaned points with bad
// sections dropped.
func Clean(points []flux.Point) []flux.Point {
	s := sanitize(points)
	if s.Len() == 0 {
		return nil
	}

	logS := toLog10(s)
	denoised := denoise(logS)

	groups, medianInterval := removeOutliers(denoised)
	if len(groups) == 0 {
		return nil
	}
	groups = filterImpossibleDips(groups)
	if len(groups) == 0 {
		return nil
	}
	groups = filterByConnectivity(groups, medianInterval)
	if len(groups) == 0 {
		return nil
	}

	filtered := filterByDensity(concatGroups(groups))
	return fromLog10(filtered)
}

// sanitize drops non-physical readings (flux must be in (0, 1) W/m^2) and
// duplicate timestamps, keeping the first occurrence of each, matching
// the original's keep-first dedupe semantics.
func sanitize(points []flux.Point) series {
	sort.SliceStable(points, func(i, j int) bool { return points[i].Time.Before(points[j].Time) })

	times := make([]time.Time, 0, len(points))
	values := make([]float64, 0, len(points))
	var lastTime time.Time
	haveLast := false
	for _, p := range points {
		if !(p.Flux > 0 && p.Flux < 1) {
			continue
		}
		if haveLast && p.Time.Equal(lastTime) {
			continue
		}
		times = append(times, p.Time)
		values = append(values, float64(p.Flux))
		lastTime = p.Time
		haveLast = true
	}
	return newSeries(times, values)
}

func toLog10(s series) series {
	out := make([]float64, len(s.values))
	for i, v := range s.values {
		out[i] = math.Log10(v)
	}
	return newSeries(s.times, out)
}

func fromLog10(s series) []flux.Point {
	out := make([]flux.Point, 0, s.Len())
	for i, v := range s.values {
		if math.IsNaN(v) {
			continue
		}
		out = append(out, flux.Point{Time: s.times[i], Flux: float32(math.Pow(10, v))})
	}
	return out
}

// denoise computes a correction toward a smoothed trend, damped in
// regions that look genuinely rough (a real flare, not sensor noise) so
// it does not flatten real features.
func denoise(s series) series {
	sustained := rollingMean(s, sustainedWindow)

	isRough := make([]bool, s.Len())
	isSlightlyRough := make([]bool, s.Len())
	for i := range s.values {
		diff := math.Abs(sustained[i] - s.values[i])
		isRough[i] = diff > roughThreshold
		isSlightlyRough[i] = diff > slightlyRoughThreshold
	}

	isValidSlope := validSlopeRatio(s, sustained)

	roughNearby := roughDensityNearby(s.times, isRough)
	slightlyRoughNearby := roughDensityNearby(s.times, isSlightlyRough)

	invalidSlope := make([]float64, s.Len())
	for i, v := range isValidSlope {
		invalidSlope[i] = 1 - v
	}
	smoothForce := elementwiseMin(invalidSlope, roughNearby)
	detailSmoothForce := make([]float64, s.Len())
	for i := range s.values {
		detailSmoothForce[i] = math.Max(slightlyRoughNearby[i]-smoothForce[i], 0)
	}

	// Smooth out the forces themselves so they don't create hard edges
	// where the correction suddenly switches on or off.
	smoothForce = rollingMean(newSeries(s.times, smoothForce), sustainedWindow)
	detailSmoothForce = rollingMean(newSeries(s.times, detailSmoothForce), sustainedWindow)

	smooth := rollingMean(s, smoothWindow)
	correction := make([]float64, s.Len())
	for i := range s.values {
		toSmooth := (smooth[i] - s.values[i]) * smoothForce[i]
		detailCorrection := clip((sustained[i]-s.values[i])*detailSmoothForce[i], -correctionSlack, correctionSlack)
		correction[i] = toSmooth + detailCorrection
	}

	lowerClip, upperClip := percentileClamp(correction, 0.01, 0.99, correctionSlack)
	out := make([]float64, s.Len())
	for i, v := range s.values {
		out[i] = v + clip(correction[i], lowerClip, upperClip)
	}
	return newSeries(s.times, out)
}

// roughDensityNearby converts a boolean mask into the fraction of the
// smoothing window nearby that is flagged, scaled so 20% nearby already
// saturates to full force.
func roughDensityNearby(times []time.Time, flags []bool) []float64 {
	asFloat := make([]float64, len(flags))
	for i, f := range flags {
		if f {
			asFloat[i] = 1
		}
	}
	density := rollingMean(newSeries(times, asFloat), smoothWindow)
	for i, d := range density {
		density[i] = math.Min(d/roughDensityFraction, 1)
	}
	return density
}

// validSlopeRatio reports, per point, whether the sustained (smoothed)
// series still carries most of the raw series's local movement: the
// ratio of the sustained series's rolling-summed-then-windowed-max
// absolute velocity to the raw series's same quantity. A high ratio means
// the movement survives smoothing, i.e. it is a real, sustained slope
// (a flare) rather than jitter that smoothing would cancel out.
func validSlopeRatio(s series, sustained []float64) []float64 {
	rawVelocity := abs(forwardVelocity(s.times, s.values))
	sustainedVelocity := abs(forwardVelocity(s.times, sustained))

	rawMax := rollingMax(newSeries(s.times, rollingSum(newSeries(s.times, rawVelocity), sustainedWindow)), smoothWindow)
	sustainedMax := rollingMax(newSeries(s.times, rollingSum(newSeries(s.times, sustainedVelocity), sustainedWindow)), smoothWindow)

	out := make([]float64, s.Len())
	for i := range s.values {
		if rawMax[i] == 0 {
			continue
		}
		if sustainedMax[i]/rawMax[i] > validSlopeRatioMin {
			out[i] = 1
		}
	}
	return out
}

// forwardVelocity returns the forward finite-difference slope at each
// point (NaN at the first point, which has no predecessor).
func forwardVelocity(times []time.Time, values []float64) []float64 {
	out := make([]float64, len(values))
	for i := range values {
		if i == 0 {
			out[i] = math.NaN()
			continue
		}
		dt := times[i].Sub(times[i-1]).Seconds()
		if dt == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = (values[i] - values[i-1]) / dt
	}
	return out
}

// percentileClamp returns the [lowerQ, upperQ] percentile bounds of vals,
// expanded outward by slack and bounded to [-0.8, 0.8] so excessive
// corrections only ever smooth out outlier spikes rather than erasing
// them, without letting a mostly one-sided correction distribution push
// the clamp arbitrarily far from zero.
func percentileClamp(vals []float64, lowerQ, upperQ, slack float64) (float64, float64) {
	lower := math.Max(quantileOf(vals, lowerQ)-slack, correctionClampMin)
	upper := math.Min(quantileOf(vals, upperQ)+slack, correctionClampMax)
	return lower, upper
}
