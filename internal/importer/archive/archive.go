// Package archive implements the archive importer: a month-batched,
// pipelined search -> download -> load -> prepare -> write loop against
// the ARCHIVE source (spec.md §4.5).
package archive

import (
	"context"
	"fmt"
	"log"
	"time"

	"fluxpipeline/internal/catalog"
	"fluxpipeline/internal/flux"
	"fluxpipeline/internal/prepare"
	"fluxpipeline/internal/storage"
)

// BatchWindow is the size of one import batch (spec.md §4.5: "30-day
// windows").
const BatchWindow = 30 * 24 * time.Hour

// CompressionThreshold is the default recompression trigger ratio
// (spec.md §3: "exceeds their post-compression size by more than a fixed
// ratio (default 1.2x)").
const CompressionThreshold = 1.2

// PollInterval is how long Run sleeps once it has caught up to "now"
// before checking for a new batch window.
const PollInterval = 10 * time.Minute

// Store is the subset of *storage.Store the archive importer depends on.
type Store interface {
	BulkUpsert(ctx context.Context, source flux.Source, upserts []storage.ChannelUpsert) error
	AvailableChannels(ctx context.Context, source flux.Source, r *flux.Range) (map[flux.Channel]bool, error)
	Fetch(ctx context.Context, source flux.Source, channel flux.Channel, interval time.Duration, r flux.Range, timeout time.Duration) ([]flux.Point, error)
	LastNonCombinedTimestamp(ctx context.Context, source flux.Source) (*time.Time, error)
	RecompressChunks(ctx context.Context, source flux.Source, before time.Time, threshold float64) error
}

// PrepareFunc matches internal/prepare.PrepareFluxChannels's signature,
// injected so tests can stub it out without a real store.
type PrepareFunc func(ctx context.Context, st prepare.Store, source flux.Source, satellites []int16, bands []flux.Band, r flux.Range, timeout time.Duration) error

// Importer is the archive source's Importer implementation.
type Importer struct {
	Store      Store
	Catalog    catalog.Client
	Prepare    PrepareFunc
	ImportStart time.Time
	StagingDir  string
	Timeout     time.Duration

	CompressionThreshold float64

	Logger *log.Logger
}

// NewImporter builds an archive Importer with spec.md defaults filled in.
func NewImporter(store Store, cat catalog.Client, prepareFn PrepareFunc, importStart time.Time, stagingDir string, timeout time.Duration) *Importer {
	return &Importer{
		Store:                store,
		Catalog:              cat,
		Prepare:              prepareFn,
		ImportStart:          importStart,
		StagingDir:           stagingDir,
		Timeout:              timeout,
		CompressionThreshold: CompressionThreshold,
	}
}

func (im *Importer) logf(format string, args ...any) {
	if im.Logger != nil {
		im.Logger.Printf(format, args...)
		return
	}
	log.Printf("archive importer: "+format, args...)
}

// Run resumes from the later of the store's last non-combined timestamp
// and ImportStart, then processes 30-day batches up to now, sleeping
// PollInterval between catch-up cycles. It returns only on a fatal error
// or context cancellation; transient per-batch failures are logged and
// the batch is retried on the next cycle.
func (im *Importer) Run(ctx context.Context) error {
	resume, err := im.resumePoint(ctx)
	if err != nil {
		return fmt.Errorf("archive: resume point: %w", err)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		now := time.Now().UTC()
		windows := batchWindows(resume, now)
		if len(windows) == 0 {
			select {
			case <-time.After(PollInterval):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		batches := make([]*batch, len(windows))
		for i, w := range windows {
			batches[i] = newBatch(i, w)
		}
		if err := im.runPipeline(ctx, batches); err != nil {
			im.logf("pipeline error, will retry from last confirmed batch: %v", err)
			resume, err = im.resumePoint(ctx)
			if err != nil {
				return fmt.Errorf("archive: resume after failure: %w", err)
			}
			continue
		}
		resume = windows[len(windows)-1].End
	}
}

func (im *Importer) resumePoint(ctx context.Context) (time.Time, error) {
	last, err := im.Store.LastNonCombinedTimestamp(ctx, flux.SourceArchive)
	if err != nil {
		return time.Time{}, err
	}
	resume := im.ImportStart
	if last != nil && last.Add(time.Millisecond).After(resume) {
		resume = last.Add(time.Millisecond)
	}
	return resume, nil
}

// batchWindows splits [resume, now) into BatchWindow-sized half-open
// ranges.
func batchWindows(resume, now time.Time) []flux.Range {
	var out []flux.Range
	for start := resume; start.Before(now); start = start.Add(BatchWindow) {
		end := start.Add(BatchWindow)
		if end.After(now) {
			end = now
		}
		out = append(out, flux.NewRange(start, end))
	}
	return out
}

type upsertSpec struct {
	channel flux.Channel
	points  []flux.Point
}

func (im *Importer) writeRaw(ctx context.Context, window flux.Range, specs []upsertSpec) error {
	upserts := make([]storage.ChannelUpsert, len(specs))
	for i, s := range specs {
		upserts[i] = storage.ChannelUpsert{Channel: s.channel, Series: s.points, Range: window}
	}
	return im.Store.BulkUpsert(ctx, flux.SourceArchive, upserts)
}

type retryBackoff struct {
	try  int
	unit time.Duration
	max  time.Duration
}

func newBackoffHelper(unit, max time.Duration) *retryBackoff {
	return &retryBackoff{unit: unit, max: max}
}

func (b *retryBackoff) Next() time.Duration {
	b.try++
	d := time.Duration(b.try) * b.unit
	if d > b.max {
		d = b.max
	}
	return d
}
