package flux

import "time"

// Source is a named physical hypertable with a declared raw resolution
// and the roll-up resolutions it participates in.
type Source struct {
	Name          string
	TableName     string
	RawResolution time.Duration
	Resolutions   []Resolution // ordered finest to coarsest
}

var (
	// SourceArchive has the highest resolution but lags by a few days.
	SourceArchive = Source{
		Name:          "archive",
		TableName:     "flux_archive",
		RawResolution: time.Second,
		Resolutions:   []Resolution{Res10s, Res1m, Res10m, Res1h, Res12h, Res5d},
	}
	// SourceLive has a lower resolution but is up to date.
	SourceLive = Source{
		Name:          "live",
		TableName:     "flux_live",
		RawResolution: time.Minute,
		Resolutions:   []Resolution{Res10m, Res1h, Res12h, Res5d},
	}
)

// Sources lists every source in read priority order (highest priority first).
var Sources = []Source{SourceArchive, SourceLive}

// SelectRelation returns the table or materialized view name to query for
// the given requested interval: the raw table if interval is no coarser
// than the raw resolution, else the coarsest roll-up whose bucket size is
// still <= interval.
func (s Source) SelectRelation(interval time.Duration) string {
	for i := len(s.Resolutions) - 1; i >= 0; i-- {
		if interval >= s.Resolutions[i].Size {
			return s.TableName + s.Resolutions[i].Suffix
		}
	}
	return s.TableName
}
