package clean

import "time"

// CleanBorderSize is the time margin a caller must fetch on either side
// of the range it actually wants cleaned, since several passes below
// depend on context outside the requested window to judge its edges
// correctly.
const CleanBorderSize = 9 * time.Hour

const densityWindow = CleanBorderSize * 2
const densityMinFraction = 0.02

// filterByDensity drops points sitting in a neighborhood far sparser
// than the surrounding data would suggest it should be: a thin cluster
// of survivors after every earlier pass is itself a sign those points
// are spurious rather than a real, if quiet, stretch of readings.
func filterByDensity(s series) series {
	if s.Len() == 0 {
		return s
	}

	neighbors := rollingCount(s, densityWindow)
	dt := timeDeltasSeconds(s)
	if len(dt) > 1 {
		dt = dt[1:]
	}
	localInterval := rollingMedianCount(dt, intervalWindow)

	times := make([]time.Time, 0, s.Len())
	values := make([]float64, 0, s.Len())
	for i := range s.values {
		interval := 0.0
		if i-1 >= 0 && i-1 < len(localInterval) {
			interval = localInterval[i-1]
		} else if len(localInterval) > 0 {
			interval = localInterval[0]
		}
		if interval <= 0 {
			interval = intervalMinSec
		}
		expected := densityWindow.Seconds() / interval
		if float64(neighbors[i]) < expected*densityMinFraction {
			continue
		}
		times = append(times, s.times[i])
		values = append(values, s.values[i])
	}
	return newSeries(times, values)
}
