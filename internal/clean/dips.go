package clean

import "time"

const (
	dipNarrowWindow = 30 * time.Minute
	dipShortWidth   = 4 * time.Hour
	dipLongWidth    = 16 * time.Hour
	dipTrimLevel    = -0.05
	dipRejectLevel  = -0.2
	dipMinGroupSize = 10
)

// filterImpossibleDips removes contiguous regions that drop implausibly
// far below their local baseline trend: a real flare decay never falls
// that fast, so a dip this deep against a slow-moving baseline is
// instrument noise rather than a real reading. The baseline is computed
// once over every surviving group concatenated together; each group is
// then trimmed or dropped independently against that shared baseline.
func filterImpossibleDips(groups []series) []series {
	if len(groups) == 0 {
		return groups
	}

	concat := concatGroups(groups)
	narrowMin := rollingMin(concat, dipNarrowWindow)
	wideMin := rollingMin(newSeries(concat.times, narrowMin), dipNarrowWindow)
	shortBase := rollingQuantile(newSeries(concat.times, narrowMin), dipShortWidth, 0.3)
	longBase := rollingQuantile(newSeries(concat.times, wideMin), dipLongWidth, 0.3)

	base := make(map[int64]float64, concat.Len())
	for i, t := range concat.times {
		b := shortBase[i]
		if longBase[i] < b {
			b = longBase[i]
		}
		base[t.UnixNano()] = b
	}

	out := make([]series, 0, len(groups))
	for _, g := range groups {
		flat := make([]float64, g.Len())
		deepest := 0.0
		for i, t := range g.times {
			flat[i] = g.values[i] - base[t.UnixNano()]
			if i == 0 || flat[i] < deepest {
				deepest = flat[i]
			}
		}
		if deepest >= dipRejectLevel {
			out = append(out, g)
			continue
		}

		times := make([]time.Time, 0, g.Len())
		values := make([]float64, 0, g.Len())
		for i := range g.values {
			if flat[i] > dipTrimLevel {
				times = append(times, g.times[i])
				values = append(values, g.values[i])
			}
		}
		if len(times) < dipMinGroupSize {
			continue
		}
		out = append(out, newSeries(times, values))
	}
	return out
}

// concatGroups flattens groups, already in chronological order and
// non-overlapping, back into one series so rolling baselines can be
// computed across the whole surviving signal at once.
func concatGroups(groups []series) series {
	n := 0
	for _, g := range groups {
		n += g.Len()
	}
	times := make([]time.Time, 0, n)
	values := make([]float64, 0, n)
	for _, g := range groups {
		times = append(times, g.times...)
		values = append(values, g.values...)
	}
	return newSeries(times, values)
}
