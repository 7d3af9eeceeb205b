package clean

import (
	"math"
	"sort"
	"time"
)

// series is a sorted-by-time, equal-length pair of timestamps and values,
// the in-memory shape every windowed operator below works on. No
// dataframe/numeric library exists anywhere in the retrieval pack, so
// rolling windows are computed by hand over plain slices, mirroring how
// this codebase already hand-rolls windowed numeric filters over slices
// and maps elsewhere.
type series struct {
	times  []time.Time
	values []float64
}

func newSeries(times []time.Time, values []float64) series {
	return series{times: times, values: values}
}

func (s series) Len() int { return len(s.times) }

// windowBounds returns the half-open [lo, hi) index range of points whose
// timestamp falls within half on either side of s.times[i]. Centered
// time-offset rolling windows in pandas default to min_periods=1, so the
// window always includes at least the point itself.
func (s series) windowBounds(i int, half time.Duration) (int, int) {
	center := s.times[i]
	lowerBound := center.Add(-half)
	upperBound := center.Add(half)
	lo := sort.Search(len(s.times), func(j int) bool { return !s.times[j].Before(lowerBound) })
	hi := sort.Search(len(s.times), func(j int) bool { return s.times[j].After(upperBound) })
	return lo, hi
}

// rollingMean computes, for each point, the mean of values within half a
// window on either side (a pandas `.rolling(window, center=True).mean()`
// equivalent for window=2*half).
func rollingMean(s series, window time.Duration) []float64 {
	half := window / 2
	out := make([]float64, s.Len())
	for i := range s.times {
		lo, hi := s.windowBounds(i, half)
		out[i] = mean(s.values[lo:hi])
	}
	return out
}

func rollingMax(s series, window time.Duration) []float64 {
	half := window / 2
	out := make([]float64, s.Len())
	for i := range s.times {
		lo, hi := s.windowBounds(i, half)
		out[i] = maxOf(s.values[lo:hi])
	}
	return out
}

func rollingMin(s series, window time.Duration) []float64 {
	half := window / 2
	out := make([]float64, s.Len())
	for i := range s.times {
		lo, hi := s.windowBounds(i, half)
		out[i] = minOf(s.values[lo:hi])
	}
	return out
}

func rollingSum(s series, window time.Duration) []float64 {
	half := window / 2
	out := make([]float64, s.Len())
	for i := range s.times {
		lo, hi := s.windowBounds(i, half)
		out[i] = sum(s.values[lo:hi])
	}
	return out
}

func rollingMedian(s series, window time.Duration) []float64 {
	half := window / 2
	out := make([]float64, s.Len())
	for i := range s.times {
		lo, hi := s.windowBounds(i, half)
		out[i] = quantileOf(s.values[lo:hi], 0.5)
	}
	return out
}

func rollingQuantile(s series, window time.Duration, q float64) []float64 {
	half := window / 2
	out := make([]float64, s.Len())
	for i := range s.times {
		lo, hi := s.windowBounds(i, half)
		out[i] = quantileOf(s.values[lo:hi], q)
	}
	return out
}

// rollingCount counts non-NaN values in the centered window.
func rollingCount(s series, window time.Duration) []int {
	half := window / 2
	out := make([]int, s.Len())
	for i := range s.times {
		lo, hi := s.windowBounds(i, half)
		n := 0
		for _, v := range s.values[lo:hi] {
			if !math.IsNaN(v) {
				n++
			}
		}
		out[i] = n
	}
	return out
}

func mean(vals []float64) float64 {
	var total float64
	n := 0
	for _, v := range vals {
		if math.IsNaN(v) {
			continue
		}
		total += v
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return total / float64(n)
}

func sum(vals []float64) float64 {
	var total float64
	for _, v := range vals {
		if !math.IsNaN(v) {
			total += v
		}
	}
	return total
}

func maxOf(vals []float64) float64 {
	out := math.Inf(-1)
	found := false
	for _, v := range vals {
		if math.IsNaN(v) {
			continue
		}
		found = true
		if v > out {
			out = v
		}
	}
	if !found {
		return math.NaN()
	}
	return out
}

func minOf(vals []float64) float64 {
	out := math.Inf(1)
	found := false
	for _, v := range vals {
		if math.IsNaN(v) {
			continue
		}
		found = true
		if v < out {
			out = v
		}
	}
	if !found {
		return math.NaN()
	}
	return out
}

// quantileOf uses linear interpolation between closest ranks, matching
// numpy's default ('linear') interpolation used by np.nanpercentile and
// pandas' default quantile method.
func quantileOf(vals []float64, q float64) float64 {
	clean := make([]float64, 0, len(vals))
	for _, v := range vals {
		if !math.IsNaN(v) {
			clean = append(clean, v)
		}
	}
	if len(clean) == 0 {
		return math.NaN()
	}
	sort.Float64s(clean)
	if len(clean) == 1 {
		return clean[0]
	}
	pos := q * float64(len(clean)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return clean[lo]
	}
	frac := pos - float64(lo)
	return clean[lo]*(1-frac) + clean[hi]*frac
}

func clip(v, lower, upper float64) float64 {
	if v < lower {
		return lower
	}
	if v > upper {
		return upper
	}
	return v
}

func abs(vals []float64) []float64 {
	out := make([]float64, len(vals))
	for i, v := range vals {
		out[i] = math.Abs(v)
	}
	return out
}

// elementwiseMax returns max(a[i], b[i]) per index, treating NaN as
// missing (ignored unless both are NaN).
func elementwiseMax(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		av, bv := a[i], b[i]
		switch {
		case math.IsNaN(av) && math.IsNaN(bv):
			out[i] = math.NaN()
		case math.IsNaN(av):
			out[i] = bv
		case math.IsNaN(bv):
			out[i] = av
		default:
			out[i] = math.Max(av, bv)
		}
	}
	return out
}

// elementwiseMin returns min(a[i], b[i]) per index, treating NaN as
// missing (ignored unless both are NaN).
func elementwiseMin(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		av, bv := a[i], b[i]
		switch {
		case math.IsNaN(av) && math.IsNaN(bv):
			out[i] = math.NaN()
		case math.IsNaN(av):
			out[i] = bv
		case math.IsNaN(bv):
			out[i] = av
		default:
			out[i] = math.Min(av, bv)
		}
	}
	return out
}
