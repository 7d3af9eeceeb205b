// Package schema holds the fixed hypertable/continuous-aggregate DDL and
// the chunk-sizing/compression formulas derived from it. The schema
// itself never evolves beyond what is embedded here (spec.md §1 excludes
// schema evolution as a non-goal).
package schema

import (
	"fmt"
	"math"
	"time"
)

// CompressionThreshold is the default ratio above which a chunk is
// recompressed: current on-disk size > post_compression_size * threshold.
const CompressionThreshold = 1.2

// CompressAfter is the age at which a chunk becomes eligible for the
// automatic compression policy.
const CompressAfter = 30 * 24 * time.Hour

// compressedRawRowBytes and compressedAggregateRowBytes are the observed
// average compressed row sizes per relation kind, used only for
// chunk-size estimation.
const (
	compressedRawRowBytes       = 4.4
	compressedAggregateRowBytes = 8.4
)

// tableDef describes one step of a source's continuous-aggregate chain.
type tableDef struct {
	Name       string
	Parent     string
	BucketSize string // Postgres interval literal
	IsTable    bool   // true for the raw hypertable itself
	Interval   time.Duration
}

// ArchiveChain is flux_archive's raw table followed by its roll-up chain,
// each built on top of the previous (not on the raw table directly).
var ArchiveChain = []tableDef{
	{Name: "flux_archive", IsTable: true, Interval: time.Second},
	{Name: "flux_archive_10s", Parent: "flux_archive", BucketSize: "00:00:10", Interval: 10 * time.Second},
	{Name: "flux_archive_1m", Parent: "flux_archive_10s", BucketSize: "00:01:00", Interval: time.Minute},
	{Name: "flux_archive_10m", Parent: "flux_archive_1m", BucketSize: "00:10:00", Interval: 10 * time.Minute},
	{Name: "flux_archive_1h", Parent: "flux_archive_10m", BucketSize: "01:00:00", Interval: time.Hour},
	{Name: "flux_archive_12h", Parent: "flux_archive_1h", BucketSize: "12:00:00", Interval: 12 * time.Hour},
	{Name: "flux_archive_5d", Parent: "flux_archive_12h", BucketSize: "5 days", Interval: 5 * 24 * time.Hour},
}

// LiveChain is flux_live's raw table followed by its roll-up chain.
var LiveChain = []tableDef{
	{Name: "flux_live", IsTable: true, Interval: time.Minute},
	{Name: "flux_live_10m", Parent: "flux_live", BucketSize: "00:10:00", Interval: 10 * time.Minute},
	{Name: "flux_live_1h", Parent: "flux_live_10m", BucketSize: "01:00:00", Interval: time.Hour},
	{Name: "flux_live_12h", Parent: "flux_live_1h", BucketSize: "12:00:00", Interval: 12 * time.Hour},
	{Name: "flux_live_5d", Parent: "flux_live_12h", BucketSize: "5 days", Interval: 5 * 24 * time.Hour},
}

// DDLStatements builds every statement needed to create the schema from
// scratch: the enum type, both raw hypertables, their continuous
// aggregates (created WITH NO DATA, refreshed separately since Postgres
// forbids CALL refresh_continuous_aggregate inside a transaction),
// compression settings and chunk sizing. Callers execute the returned
// "create" and "refresh" statements in two passes.
func DDLStatements(databaseMemoryGB int) (create []string, refresh []string) {
	create = append(create, "CREATE TYPE frequency_band AS ENUM ('short', 'long')")

	for _, chain := range [][]tableDef{ArchiveChain, LiveChain} {
		raw := chain[0]
		create = append(create, fmt.Sprintf(`
CREATE TABLE %s (
    time      TIMESTAMPTZ    NOT NULL,
    flux      REAL           NOT NULL,
    satellite SMALLINT       NOT NULL,
    band      frequency_band NOT NULL,
    is_clean  BOOLEAN        NOT NULL,
    PRIMARY KEY (satellite, band, is_clean, time)
)`, raw.Name))
		create = append(create, fmt.Sprintf(`SELECT create_hypertable('%s', by_range('time'))`, raw.Name))

		for _, step := range chain[1:] {
			isParentTable := step.Parent == raw.Name
			create = append(create, createAggregateSQL(step, isParentTable))
			refresh = append(refresh, fmt.Sprintf(`CALL refresh_continuous_aggregate('%s', NULL, NULL)`, step.Name))
		}

		chunkBytes := compressedChunkBytes(databaseMemoryGB)
		create = append(create, enableCompressionSQL(raw.Name, true, raw.Interval, chunkBytes))
		for _, step := range chain[1:] {
			create = append(create, enableCompressionSQL(step.Name, false, step.Interval, chunkBytes))
		}
	}

	return create, refresh
}

func createAggregateSQL(step tableDef, isParentTable bool) string {
	minMaxCount := "MIN(flux_min), MAX(flux_max), SUM(count)::integer"
	if isParentTable {
		minMaxCount = "MIN(flux), MAX(flux), COUNT(flux)::integer"
	}
	return fmt.Sprintf(`
CREATE MATERIALIZED VIEW %s (time, satellite, band, is_clean, flux_min, flux_max, count)
WITH (timescaledb.continuous)
AS
SELECT time_bucket(INTERVAL '%s', time) AS bucket,
       satellite, band, is_clean,
       %s
FROM %s
GROUP BY bucket, satellite, band, is_clean
ORDER BY bucket
WITH NO DATA`, step.Name, step.BucketSize, minMaxCount, step.Parent)
}

func enableCompressionSQL(relation string, isTable bool, interval time.Duration, chunkBytes float64) string {
	noun := "TABLE"
	rowBytes := compressedRawRowBytes
	var policy string
	if !isTable {
		noun = "MATERIALIZED VIEW"
		rowBytes = compressedAggregateRowBytes
		// Compression policies require a continuous aggregate policy whose
		// window never intersects the already-compressed region.
		policy = fmt.Sprintf(`
SELECT add_continuous_aggregate_policy('%s',
    start_offset => INTERVAL '29d',
    end_offset => INTERVAL '19d',
    schedule_interval => INTERVAL '1d');
`, relation)
	}

	rowCount := int64(chunkBytes / rowBytes)
	chunkInterval := time.Duration(rowCount) * interval

	return policy + fmt.Sprintf(`
ALTER %s %s
    SET (timescaledb.compress,
         timescaledb.compress_orderby = 'time',
         timescaledb.compress_segmentby = 'satellite, band, is_clean');
SELECT add_compression_policy('%s', compress_after => INTERVAL '%ds');
SELECT set_chunk_time_interval('%s', INTERVAL '%fs');
`, noun, relation, relation, int(CompressAfter.Seconds()), relation, chunkInterval.Seconds())
}

// compressedChunkBytes reproduces the target per-chunk compressed byte
// budget: 25% of configured memory, divided across an estimated
// worst-case number of simultaneously active (uncompressed) chunks,
// clamped so compressed chunks hold at least ~1 million rows and
// uncompressed chunks never exceed 1GB.
func compressedChunkBytes(databaseMemoryGB int) float64 {
	const (
		hypertableCount  = 2  // archive + live
		aggregateCount   = 10 // 6 archive rungs (raw excluded) + 4 live rungs
		uncompressedChunksEstimate = 20
	)
	activeChunkWeight := 26*float64(hypertableCount) + 15*float64(aggregateCount) + uncompressedChunksEstimate
	bytes := float64(databaseMemoryGB) * 1e9 * 0.25 / activeChunkWeight
	minBytes := 1e6 * compressedAggregateRowBytes
	maxBytes := 1e9 / 26
	return math.Min(math.Max(bytes, minBytes), maxBytes)
}
