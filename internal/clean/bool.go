package clean

import "time"

// boolSeries pairs timestamps with boolean flags for windowed dilation,
// the boolean analog of series.
type boolSeries struct {
	times []time.Time
	flags []bool
}

func newBoolSeries(times []time.Time, flags []bool) boolSeries {
	return boolSeries{times: times, flags: flags}
}

func (b boolSeries) windowBounds(i int, half time.Duration) (int, int) {
	s := series{times: b.times}
	return s.windowBounds(i, half)
}

// hasPreviousChanged reports, for each index i>0, whether flags[i] !=
// flags[i-1] (edge detection used for clipped-region boundaries).
func hasPreviousChanged(flags []bool) []bool {
	out := make([]bool, len(flags))
	for i := 1; i < len(flags); i++ {
		out[i] = flags[i] != flags[i-1]
	}
	return out
}
