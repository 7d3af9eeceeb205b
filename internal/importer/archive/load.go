package archive

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"fluxpipeline/internal/flux"
)

func sortPoints(points []flux.Point) {
	sort.SliceStable(points, func(i, j int) bool { return points[i].Time.Before(points[j].Time) })
}

// dailyFrame is one downloaded daily file, parsed into per-band samples
// for a single satellite/day.
type dailyFrame struct {
	Short []flux.Point
	Long  []flux.Point
}

// parseDailyFile parses one downloaded file into a dailyFrame. The wire
// format is a tab-separated header ("time xrsa xrsa_quality xrsb
// xrsb_quality") followed by one row per sample; quality columns are
// optional, and rows with a non-zero quality flag are dropped when the
// column is present, matching spec.md §4.5's "drop quality-flag != 0
// rows when present."
func parseDailyFile(r io.Reader) (dailyFrame, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var frame dailyFrame
	lineNo := 0
	cols := map[string]int{}
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if lineNo == 1 {
			for i, f := range fields {
				cols[strings.ToLower(strings.TrimSpace(f))] = i
			}
			if _, ok := cols["time"]; !ok {
				return dailyFrame{}, fmt.Errorf("archive: load: missing time column")
			}
			continue
		}

		t, err := parseTimeField(fields[cols["time"]])
		if err != nil {
			return dailyFrame{}, fmt.Errorf("archive: load: line %d: %w", lineNo, err)
		}

		if idx, ok := cols["xrsa"]; ok {
			if p, ok := parseSample(t, fields, idx, cols["xrsa_quality"]); ok {
				frame.Short = append(frame.Short, p)
			}
		}
		if idx, ok := cols["xrsb"]; ok {
			if p, ok := parseSample(t, fields, idx, cols["xrsb_quality"]); ok {
				frame.Long = append(frame.Long, p)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return dailyFrame{}, fmt.Errorf("archive: load: scan: %w", err)
	}
	return frame, nil
}

func parseTimeField(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02 15:04:05", raw); err == nil {
		return t.UTC(), nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized time %q", raw)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func parseSample(t time.Time, fields []string, valueIdx, qualityIdx int) (flux.Point, bool) {
	if valueIdx < 0 || valueIdx >= len(fields) {
		return flux.Point{}, false
	}
	if qualityIdx > 0 && qualityIdx < len(fields) {
		if q, err := strconv.Atoi(strings.TrimSpace(fields[qualityIdx])); err == nil && q != 0 {
			return flux.Point{}, false
		}
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(fields[valueIdx]), 32)
	if err != nil {
		return flux.Point{}, false
	}
	return flux.Point{Time: t, Flux: float32(v)}, true
}

// mergeFrames concatenates frames from multiple daily files (duplicate
// timestamps are resolved by keeping the first occurrence, matching the
// cleaner's own sanity-filter rule) and sorts by time.
func mergeFrames(frames []dailyFrame) dailyFrame {
	var out dailyFrame
	for _, f := range frames {
		out.Short = append(out.Short, f.Short...)
		out.Long = append(out.Long, f.Long...)
	}
	out.Short = dedupeSortedByTime(out.Short)
	out.Long = dedupeSortedByTime(out.Long)
	return out
}

func dedupeSortedByTime(points []flux.Point) []flux.Point {
	if len(points) == 0 {
		return points
	}
	sortPoints(points)
	out := points[:1]
	for _, p := range points[1:] {
		if p.Time.Equal(out[len(out)-1].Time) {
			continue
		}
		out = append(out, p)
	}
	return out
}
