package clean

import (
	"math"
	"time"
)

// connectivitySampleSize is the nominal span of data used to build each
// direction's trailing reference sample.
const connectivitySampleSize = time.Minute

// rawSection is a provisional uncertain stretch discovered while walking
// groups in one direction: a time span paired with the single reference
// value known from that direction (the far edge's sample median).
type rawSection struct {
	start, end time.Time
	reference  float64
}

// uncertainSection is the intersection of a forward and a backward
// rawSection: a time span with independent reference values at each end,
// used to linearly interpolate an expected value for any point inside it.
type uncertainSection struct {
	startTime, endTime time.Time
	startRef, endRef   float64
}

func (u uncertainSection) slope() float64 {
	return (u.endRef - u.startRef) / u.endTime.Sub(u.startTime).Seconds()
}

func (u uncertainSection) interpolate(t time.Time) float64 {
	return u.startRef + u.slope()*t.Sub(u.startTime).Seconds()
}

func (u uncertainSection) resize(start, end time.Time) uncertainSection {
	return uncertainSection{startTime: start, endTime: end, startRef: u.interpolate(start), endRef: u.interpolate(end)}
}

func (u uncertainSection) isBefore(g series) bool {
	return u.endTime.Before(g.times[g.Len()-1])
}

func (u uncertainSection) includes(g series) bool {
	return !u.startTime.After(g.times[0]) && !u.endTime.Before(g.times[g.Len()-1])
}

// connectivityOutlierThreshold is the fixed deviation allowed from the
// section's interpolated line before a rescued group is rejected again.
const connectivityOutlierThreshold = 0.2

func (u uncertainSection) isOutlier(g series, idx int) bool {
	delta := g.values[idx] - u.interpolate(g.times[idx])
	return math.Abs(delta) > connectivityOutlierThreshold
}

// checkGroupConnectivity walks groups in one direction, testing each
// group's leading edge against a trailing sample built from its own
// kind: a group far from where its recent, sparsely sampled neighborhood
// says it should be is an outlier, with the allowed slack growing with
// both the sample's time span and how stale it is, and shrinking as the
// sample gets denser. Stretches where the allowed slack balloons (data
// got too sparse to judge confidently) are opened as uncertain sections
// and closed once the data reconnects or a big-enough group arrives.
func checkGroupConnectivity(groups []series, targetSampleCount int, forward bool) ([]bool, []rawSection) {
	outlier := make([]bool, len(groups))
	if len(groups) == 0 {
		return outlier, nil
	}

	order := make([]int, len(groups))
	for i := range groups {
		if forward {
			order[i] = i
		} else {
			order[i] = len(groups) - 1 - i
		}
	}

	sample := limitSample(groups[order[0]], targetSampleCount, forward)

	var sectionStart time.Time
	var sectionReference float64
	haveSection := true
	if forward {
		sectionStart = sample.times[0]
	} else {
		sectionStart = sample.times[sample.Len()-1]
	}
	sectionReference = quantileOf(sample.values, 0.5)

	var sections []rawSection
	lastGroup := groups[order[0]]

	for k := 1; k < len(order); k++ {
		g := groups[order[k]]
		lastGroup = g

		sampleMedian := quantileOf(sample.values, 0.5)
		sampleRange := math.Abs(sample.times[sample.Len()-1].Sub(sample.times[0]).Seconds())

		var edgeTime time.Time
		var edgeValue float64
		var sampleAge time.Duration
		if forward {
			edgeTime, edgeValue = g.times[0], g.values[0]
			sampleAge = edgeTime.Sub(sample.times[sample.Len()-1])
		} else {
			edgeTime, edgeValue = g.times[g.Len()-1], g.values[g.Len()-1]
			sampleAge = sample.times[0].Sub(edgeTime)
		}

		delta := edgeValue - sampleMedian
		allowedDelta := 0.001*sampleRange + 0.03*sampleAge.Seconds()
		allowedDelta /= math.Sqrt(float64(sample.Len()) / float64(targetSampleCount))

		if allowedDelta < math.Abs(delta) {
			outlier[order[k]] = true
			continue
		}

		justOpened := false
		if !haveSection && allowedDelta > 2 {
			if forward {
				sectionStart = sample.times[0]
			} else {
				sectionStart = sample.times[sample.Len()-1]
			}
			sectionReference = sampleMedian
			haveSection = true
			justOpened = true
		}
		if haveSection {
			var sectionEnd time.Time
			haveEnd := false
			if g.Len() > targetSampleCount*5 {
				sectionEnd, haveEnd = edgeTime, true
			} else if !justOpened && sampleRange < connectivitySampleSize.Seconds()*1.5 {
				if forward {
					sectionEnd = sample.times[sample.Len()-1]
				} else {
					sectionEnd = sample.times[0]
				}
				haveEnd = true
			}
			if haveEnd {
				valid := sectionStart.Before(sectionEnd)
				if !forward {
					valid = sectionEnd.Before(sectionStart)
				}
				if valid {
					if forward {
						sections = append(sections, rawSection{start: sectionStart, end: sectionEnd, reference: sectionReference})
					} else {
						sections = append([]rawSection{{start: sectionEnd, end: sectionStart, reference: sectionReference}}, sections...)
					}
					haveSection = false
				}
			}
		}

		if forward {
			sample = limitSample(concatSeries(sample, g), targetSampleCount, forward)
		} else {
			sample = limitSample(concatSeries(g, sample), targetSampleCount, forward)
		}
	}

	if haveSection {
		if forward {
			sections = append(sections, rawSection{start: sectionStart, end: lastGroup.times[lastGroup.Len()-1], reference: sectionReference})
		} else {
			sections = append([]rawSection{{start: lastGroup.times[0], end: sectionStart, reference: sectionReference}}, sections...)
		}
	}

	return outlier, mergeSections(sections, forward)
}

// limitSample cuts a sample down to at most target points, keeping the
// trailing (forward) or leading (backward) part, further bounded to
// CleanBorderSize of its own nearest edge.
func limitSample(sample series, target int, endPart bool) series {
	if sample.Len() == 0 {
		return sample
	}
	if endPart {
		n := sample.Len()
		start := n - target
		if start < 0 {
			start = 0
		}
		times := sample.times[start:]
		values := sample.values[start:]
		cutoff := times[len(times)-1].Add(-CleanBorderSize)
		lo := 0
		for lo < len(times) && times[lo].Before(cutoff) {
			lo++
		}
		return newSeries(times[lo:], values[lo:])
	}
	n := sample.Len()
	end := target
	if end > n {
		end = n
	}
	times := sample.times[:end]
	values := sample.values[:end]
	cutoff := times[0].Add(CleanBorderSize)
	hi := len(times)
	for hi > 0 && times[hi-1].After(cutoff) {
		hi--
	}
	return newSeries(times[:hi], values[:hi])
}

func concatSeries(a, b series) series {
	times := make([]time.Time, 0, a.Len()+b.Len())
	values := make([]float64, 0, a.Len()+b.Len())
	times = append(times, a.times...)
	times = append(times, b.times...)
	values = append(values, a.values...)
	values = append(values, b.values...)
	return newSeries(times, values)
}

// mergeSections collapses overlapping or touching sections discovered in
// one direction into one, keeping whichever end's original reference
// value the merged span still borders.
func mergeSections(sections []rawSection, forward bool) []rawSection {
	if len(sections) == 0 {
		return sections
	}
	out := make([]rawSection, 0, len(sections))
	open := sections[0]
	for _, s := range sections[1:] {
		if open.end.Before(s.start) {
			out = append(out, open)
			open = s
			continue
		}
		var ref float64
		if forward {
			if open.start.Before(s.start) {
				ref = open.reference
			} else {
				ref = s.reference
			}
		} else {
			if s.end.Before(open.end) {
				ref = open.reference
			} else {
				ref = s.reference
			}
		}
		start := open.start
		if s.start.Before(start) {
			start = s.start
		}
		end := open.end
		if s.end.After(end) {
			end = s.end
		}
		open = rawSection{start: start, end: end, reference: ref}
	}
	out = append(out, open)
	return out
}

// filterByConnectivity drops whole groups flagged as an outlier from both
// the forward and backward passes, and rescues or rejects groups sitting
// inside an uncertain section (where neither pass could confidently
// classify them) by comparing their extreme points against a straight
// line drawn between the section's two bordering references.
func filterByConnectivity(groups []series, medianInterval float64) []series {
	if len(groups) <= 1 {
		return groups
	}
	sampleCount := int(math.Ceil(connectivitySampleSize.Seconds() / medianInterval))
	if sampleCount < 1 {
		sampleCount = 1
	}

	fwdOutlier, fwdSections := checkGroupConnectivity(groups, sampleCount, true)
	bwdOutlier, bwdSections := checkGroupConnectivity(groups, sampleCount, false)

	var uncertain []uncertainSection
	fi, bi := 0, 0
	for fi < len(fwdSections) && bi < len(bwdSections) {
		f, b := fwdSections[fi], bwdSections[bi]
		if f.start.Before(b.end) && b.start.Before(f.end) {
			base := uncertainSection{startTime: f.start, endTime: b.end, startRef: f.reference, endRef: b.reference}
			start := f.start
			if b.start.After(start) {
				start = b.start
			}
			end := f.end
			if b.end.Before(end) {
				end = b.end
			}
			uncertain = append(uncertain, base.resize(start, end))
		}
		if f.end.Before(b.end) {
			fi++
		} else {
			bi++
		}
	}

	var current *uncertainSection
	idx := 0
	if len(uncertain) > 0 {
		current = &uncertain[0]
		idx = 1
	}

	out := make([]series, 0, len(groups))
	for i, g := range groups {
		if fwdOutlier[i] && bwdOutlier[i] {
			continue
		}

		if current != nil && current.isBefore(g) {
			current = nil
			for idx < len(uncertain) {
				candidate := uncertain[idx]
				idx++
				if !candidate.isBefore(g) {
					current = &candidate
					break
				}
			}
		}
		if current != nil && current.includes(g) {
			minIdx, maxIdx := argMinMax(g)
			if current.isOutlier(g, minIdx) || current.isOutlier(g, maxIdx) {
				continue
			}
		}
		out = append(out, g)
	}
	return out
}

// argMinMax returns the (first) index of the smallest and largest value
// in the group.
func argMinMax(g series) (int, int) {
	minIdx, maxIdx := 0, 0
	for i, v := range g.values {
		if v < g.values[minIdx] {
			minIdx = i
		}
		if v > g.values[maxIdx] {
			maxIdx = i
		}
	}
	return minIdx, maxIdx
}
