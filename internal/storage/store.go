// Package storage implements the storage-access contract of spec.md §4.1
// against a TimescaleDB-flavored Postgres store: per-channel fetch,
// bulk idempotent upsert by declared range, roll-up refresh, chunk
// recompression and timestamp-range introspection.
package storage

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/stdlib"

	"fluxpipeline/internal/flux"
	"fluxpipeline/internal/fluxerr"
	"fluxpipeline/internal/metrics"
	"fluxpipeline/internal/storage/schema"
)

// AutoRefreshSlack is how close to "now" a roll-up refresh window must be
// before it's assumed already covered by the store's own automatic
// refresh policy and can be skipped.
const AutoRefreshSlack = 10 * time.Minute

// Store wraps a pooled *sql.DB against the flux schema.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Open connects to the database and verifies connectivity.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	return &Store{db: db, logger: log.New(log.Writer(), "storage: ", log.LstdFlags)}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the fixed hypertable/continuous-aggregate layout
// if it does not already exist. Refresh statements run outside any
// transaction, since Postgres forbids CALL refresh_continuous_aggregate
// inside one.
func (s *Store) EnsureSchema(ctx context.Context, databaseMemoryGB int) error {
	create, refresh := schema.DDLStatements(databaseMemoryGB)
	for _, stmt := range create {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if isAlreadyExists(err) {
				continue
			}
			return fmt.Errorf("storage: ensure schema: %w", err)
		}
	}
	for _, stmt := range refresh {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			s.logger.Printf("refresh during schema init failed (continuing): %v", err)
		}
	}
	return nil
}

func isAlreadyExists(err error) bool {
	return strings.Contains(err.Error(), "already exists")
}

// Fetch reads a single channel's series over [r.Start, r.End) at the
// requested interval: the raw table if interval <= source's raw
// resolution, else the coarsest roll-up whose bucket size is <= interval,
// returning (time_bucket, MAX(flux_max)) rows.
func (s *Store) Fetch(ctx context.Context, source flux.Source, channel flux.Channel, interval time.Duration, r flux.Range, timeout time.Duration) ([]flux.Point, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	relation := source.TableName
	var query string
	var args []any
	if interval <= source.RawResolution {
		query = fmt.Sprintf(
			`SELECT time, flux FROM %s WHERE satellite = $1 AND band = $2 AND is_clean = $3 AND time >= $4 AND time < $5 ORDER BY time`,
			relation,
		)
		args = []any{channel.Satellite, channel.Band, channel.IsClean, r.Start, r.End}
	} else {
		relation = source.SelectRelation(interval)
		query = fmt.Sprintf(
			`SELECT time_bucket($1::interval, time) AS bucket, MAX(flux_max)
			 FROM %s WHERE satellite = $2 AND band = $3 AND is_clean = $4 AND time >= $5 AND time < $6
			 GROUP BY bucket ORDER BY bucket`,
			relation,
		)
		args = []any{interval.String(), channel.Satellite, channel.Band, channel.IsClean, r.Start, r.End}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fluxerr.Timeoutf("storage: fetch %s timed out: %w", channel, err)
		}
		return nil, fluxerr.WrapTransient(fmt.Errorf("storage: fetch %s: %w", channel, err))
	}
	defer rows.Close()

	var points []flux.Point
	for rows.Next() {
		var p flux.Point
		if err := rows.Scan(&p.Time, &p.Flux); err != nil {
			return nil, fmt.Errorf("storage: scan %s: %w", channel, err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: rows %s: %w", channel, err)
	}
	return points, nil
}

// FetchRaw is Fetch's (epoch_ms, flux) variant suitable for direct JSON
// serialization without an intermediate allocation of domain structs
// beyond the plain tuple itself.
func (s *Store) FetchRaw(ctx context.Context, source flux.Source, channel flux.Channel, interval time.Duration, r flux.Range, timeout time.Duration) ([][2]float64, error) {
	points, err := s.Fetch(ctx, source, channel, interval, r, timeout)
	if err != nil {
		return nil, err
	}
	out := make([][2]float64, len(points))
	for i, p := range points {
		out[i] = [2]float64{float64(p.Time.UnixMilli()), float64(p.Flux)}
	}
	return out, nil
}

// ChannelUpsert is one channel's declared write: its full series (which
// may be empty) and the authoritative range to delete-then-insert.
type ChannelUpsert struct {
	Channel flux.Channel
	Series  []flux.Point
	Range   flux.Range
}

// BulkUpsert executes, in a single transaction, a delete of every row in
// each channel's declared range followed by a bulk insert of its new
// rows. An empty series combined with a non-empty range is a legitimate
// "erase this window" operation and is always honored, even when Series
// is empty (spec.md §9's resolved Open Question). After commit, the
// continuous aggregates are refreshed for the union of all declared
// ranges, each extended by the matching bucket size.
func (s *Store) BulkUpsert(ctx context.Context, source flux.Source, upserts []ChannelUpsert) error {
	if len(upserts) == 0 {
		return nil
	}

	// A bulk load needs the same physical connection for the whole
	// transaction so the COPY in insertSeries lands inside it; s.db.Conn
	// pins one out of the pool instead of letting database/sql pick a
	// fresh one per statement the way BeginTx alone would.
	conn, err := s.db.Conn(ctx)
	if err != nil {
		metrics.StorageWritesTotal.WithLabelValues(source.Name, "error").Inc()
		return fluxerr.WrapTransient(fmt.Errorf("storage: acquire conn: %w", err))
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		metrics.StorageWritesTotal.WithLabelValues(source.Name, "error").Inc()
		return fluxerr.WrapTransient(fmt.Errorf("storage: begin tx: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := deleteRanges(ctx, tx, source, upserts); err != nil {
		metrics.StorageWritesTotal.WithLabelValues(source.Name, "error").Inc()
		return err
	}
	rowsInserted := 0
	for _, u := range upserts {
		n, err := insertSeries(ctx, conn, source, u)
		if err != nil {
			metrics.StorageWritesTotal.WithLabelValues(source.Name, "error").Inc()
			return err
		}
		rowsInserted += n
	}

	if err := tx.Commit(); err != nil {
		metrics.StorageWritesTotal.WithLabelValues(source.Name, "error").Inc()
		return fluxerr.WrapTransient(fmt.Errorf("storage: commit: %w", err))
	}
	committed = true
	metrics.StorageWritesTotal.WithLabelValues(source.Name, "ok").Inc()
	metrics.ImportRowsTotal.WithLabelValues(source.Name).Add(float64(rowsInserted))

	unionRange := upserts[0].Range
	for _, u := range upserts[1:] {
		unionRange = unionRange.Union(u.Range)
	}
	s.refreshAggregates(ctx, source, unionRange)
	return nil
}

func deleteRanges(ctx context.Context, tx *sql.Tx, source flux.Source, upserts []ChannelUpsert) error {
	var clauses []string
	var args []any
	argN := 0
	for _, u := range upserts {
		clauses = append(clauses, fmt.Sprintf(
			"(satellite = $%d AND band = $%d AND is_clean = $%d AND time >= $%d AND time < $%d)",
			argN+1, argN+2, argN+3, argN+4, argN+5,
		))
		args = append(args, u.Channel.Satellite, u.Channel.Band, u.Channel.IsClean, u.Range.Start, u.Range.End)
		argN += 5
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s", source.TableName, strings.Join(clauses, " OR "))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("storage: delete ranges: %w", err)
	}
	return nil
}

// insertSeries bulk-loads u.Series via Postgres COPY rather than one
// INSERT per row: it serializes the whole series into a tab-separated
// text-format buffer (flux rounded to 9 significant digits, which is
// more precision than the float32 source ever carries) and hands that
// buffer to the underlying pgx connection's CopyFrom, which is an order
// of magnitude faster than a per-row round trip for the batch sizes a
// reclean or recombine pass produces.
func insertSeries(ctx context.Context, conn *sql.Conn, source flux.Source, u ChannelUpsert) (int, error) {
	if len(u.Series) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	for _, p := range u.Series {
		buf.WriteString(p.Time.UTC().Format(time.RFC3339Nano))
		buf.WriteByte('\t')
		buf.WriteString(strconv.FormatFloat(float64(p.Flux), 'g', 9, 64))
		buf.WriteByte('\t')
		buf.WriteString(strconv.FormatInt(int64(u.Channel.Satellite), 10))
		buf.WriteByte('\t')
		buf.WriteString(string(u.Channel.Band))
		buf.WriteByte('\t')
		buf.WriteString(strconv.FormatBool(u.Channel.IsClean))
		buf.WriteByte('\n')
	}

	copySQL := fmt.Sprintf("COPY %s (time, flux, satellite, band, is_clean) FROM STDIN", source.TableName)
	var rows int64
	err := conn.Raw(func(driverConn any) error {
		pgConn := driverConn.(*stdlib.Conn).Conn().PgConn()
		tag, err := pgConn.CopyFrom(ctx, &buf, copySQL)
		if err != nil {
			return err
		}
		rows = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("storage: copy %s: %w", u.Channel, err)
	}
	return int(rows), nil
}

// refreshAggregates refreshes every continuous aggregate for source over
// r extended by each aggregate's own bucket size, skipping any refresh
// whose window lies entirely within AutoRefreshSlack of now (assumed
// already covered by the store's own automatic refresh policy).
func (s *Store) refreshAggregates(ctx context.Context, source flux.Source, r flux.Range) {
	now := time.Now().UTC()
	for _, res := range source.Resolutions {
		extended := r.Extend(res.Size)
		if now.Sub(extended.End) < AutoRefreshSlack && now.Sub(extended.Start) < AutoRefreshSlack {
			continue
		}
		view := source.TableName + res.Suffix
		_, err := s.db.ExecContext(ctx, fmt.Sprintf(
			`CALL refresh_continuous_aggregate('%s', $1, $2)`, view,
		), extended.Start, extended.End)
		if err != nil {
			s.logger.Printf("refresh %s failed: %v", view, err)
		}
	}
}

// AvailableChannels returns the distinct channels with at least one row
// in the optional range (the full table if r is nil).
func (s *Store) AvailableChannels(ctx context.Context, source flux.Source, r *flux.Range) (map[flux.Channel]bool, error) {
	query := fmt.Sprintf("SELECT DISTINCT satellite, band, is_clean FROM %s", source.TableName)
	var args []any
	if r != nil {
		query += " WHERE time >= $1 AND time < $2"
		args = []any{r.Start, r.End}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fluxerr.WrapTransient(fmt.Errorf("storage: available channels: %w", err))
	}
	defer rows.Close()

	out := make(map[flux.Channel]bool)
	for rows.Next() {
		var c flux.Channel
		if err := rows.Scan(&c.Satellite, &c.Band, &c.IsClean); err != nil {
			return nil, fmt.Errorf("storage: scan channel: %w", err)
		}
		out[c] = true
	}
	return out, rows.Err()
}

// TimestampRange returns the [min, max] timestamp for channel, or nil if
// the channel has no rows.
func (s *Store) TimestampRange(ctx context.Context, source flux.Source, channel flux.Channel) (*flux.Range, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT MIN(time), MAX(time) FROM %s WHERE satellite = $1 AND band = $2 AND is_clean = $3",
		source.TableName,
	), channel.Satellite, channel.Band, channel.IsClean)

	var minT, maxT sql.NullTime
	if err := row.Scan(&minT, &maxT); err != nil {
		return nil, fmt.Errorf("storage: timestamp range: %w", err)
	}
	if !minT.Valid {
		return nil, nil
	}
	out := flux.NewRange(minT.Time, maxT.Time)
	return &out, nil
}

// LastNonCombinedTimestamp returns the latest timestamp across every
// non-combined channel in source, used by importers to find their resume
// point.
func (s *Store) LastNonCombinedTimestamp(ctx context.Context, source flux.Source) (*time.Time, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT MAX(time) FROM %s WHERE satellite != $1", source.TableName,
	), flux.SatelliteCombinedID)

	var maxT sql.NullTime
	if err := row.Scan(&maxT); err != nil {
		return nil, fmt.Errorf("storage: last non-combined timestamp: %w", err)
	}
	if !maxT.Valid {
		return nil, nil
	}
	t := maxT.Time.UTC()
	return &t, nil
}

// RecompressChunks recompresses every chunk of source's raw table fully
// older than before whose current on-disk size exceeds
// post_compression_size * threshold, or that was never compressed.
func (s *Store) RecompressChunks(ctx context.Context, source flux.Source, before time.Time, threshold float64) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_schema, chunk_name
		FROM timescaledb_information.chunks c
		JOIN chunk_compression_stats(c.hypertable_name) stats
		  ON stats.chunk_name = c.chunk_name
		WHERE c.hypertable_name = $1
		  AND c.range_end <= $2
		  AND (
		    stats.compression_status != 'Compressed'
		    OR stats.before_compression_total_bytes > stats.after_compression_total_bytes * $3
		  )
	`, source.TableName, before, threshold)
	if err != nil {
		return fluxerr.WrapTransient(fmt.Errorf("storage: recompress candidates: %w", err))
	}
	var targets []string
	for rows.Next() {
		var schemaName, chunkName string
		if err := rows.Scan(&schemaName, &chunkName); err != nil {
			rows.Close()
			return fmt.Errorf("storage: scan chunk: %w", err)
		}
		targets = append(targets, fmt.Sprintf("%s.%s", schemaName, chunkName))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("storage: recompress rows: %w", err)
	}

	for _, chunk := range targets {
		if _, err := s.db.ExecContext(ctx, `SELECT decompress_chunk($1, if_not_compressed => true)`, chunk); err != nil {
			s.logger.Printf("decompress %s failed: %v", chunk, err)
			continue
		}
		if _, err := s.db.ExecContext(ctx, `SELECT compress_chunk($1)`, chunk); err != nil {
			s.logger.Printf("compress %s failed: %v", chunk, err)
		}
	}
	return nil
}
