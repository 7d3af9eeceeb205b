// Package catalog defines the contract for the upstream archive
// search/download client (spec.md §1's explicit Non-goal: "the archive
// search/download client... an external third-party catalog fetcher
// returning daily files per satellite") and a concrete HTTP-based
// implementation of it.
package catalog

import (
	"context"
	"io"
	"time"

	"github.com/agnivade/levenshtein"
)

// DailyResult is one satellite-day entry returned by a catalog search,
// matching the upstream response shape in spec.md §6: a satellite
// number, a day spanning 00:00:00 to 23:59:59.999, and the resolutions
// available for download that day.
type DailyResult struct {
	Satellite   int16
	Day         time.Time // UTC midnight
	Resolutions []string  // e.g. "flx1s", "avg1m"
}

// PreferredResolution is the resolution name the best-file heuristic
// always picks when present.
const PreferredResolution = "flx1s"

// BestResolution picks "flx1s" when present, else the sole resolution in
// the group, else (when more than one non-preferred resolution is
// offered, which the upstream catalog is not supposed to do) the
// resolution whose name is closest by edit distance to the preferred one
// as a defensive fallback against minor upstream naming drift.
func BestResolution(available []string) (string, bool) {
	if len(available) == 0 {
		return "", false
	}
	for _, r := range available {
		if r == PreferredResolution {
			return r, true
		}
	}
	if len(available) == 1 {
		return available[0], true
	}
	best := available[0]
	bestDist := levenshtein.ComputeDistance(PreferredResolution, best)
	for _, r := range available[1:] {
		if d := levenshtein.ComputeDistance(PreferredResolution, r); d < bestDist {
			best, bestDist = r, d
		}
	}
	return best, true
}

// DailyFile identifies a single downloadable file: one satellite, one
// day, one resolution.
type DailyFile struct {
	Satellite  int16
	Day        time.Time
	Resolution string
}

// Client is the out-of-scope collaborator the archive importer drives.
// Search returns every satellite-day available in [start, end); Download
// streams one file's bytes.
type Client interface {
	Search(ctx context.Context, start, end time.Time) ([]DailyResult, error)
	Download(ctx context.Context, file DailyFile) (io.ReadCloser, error)
}
