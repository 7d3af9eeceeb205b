package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"fluxpipeline/internal/catalog"
	"fluxpipeline/internal/flux"
	"fluxpipeline/internal/metrics"
)

// workerPoolSize is the fixed size of the stage worker pool (spec.md §4.5:
// "each stage runs in a worker process from a pool of size 2").
const workerPoolSize = 2

// downloadParallelism and downloadStagger bound the download stage's
// per-satellite concurrency.
const (
	downloadParallelism = 2
	downloadStagger     = 5 * time.Second
	downloadMaxRetries  = 5
	downloadRetryUnit   = 30 * time.Second
)

// batch is one 30-day import window and its three pipeline stage
// completion events (spec.md §4's Batch pipeline state machine).
type batch struct {
	index      int
	run        string // correlation id for log lines
	window     flux.Range
	searchDone chan struct{}
	downDone   chan struct{}
	dbDone     chan struct{}

	files  []catalog.DailyFile
	frames map[int16]dailyFrame // satellite -> merged daily data across the window
	err    error
	mu     sync.Mutex
}

func newBatch(index int, window flux.Range) *batch {
	return &batch{
		index:      index,
		run:        uuid.NewString()[:8],
		window:     window,
		searchDone: make(chan struct{}),
		downDone:   make(chan struct{}),
		dbDone:     make(chan struct{}),
		frames:     make(map[int16]dailyFrame),
	}
}

func (b *batch) fail(stage string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.err = fmt.Errorf("batch %d (%s): %w", b.index, stage, err)
	}
}

func (b *batch) failed() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// runPipeline drives every batch through search -> download -> database,
// each stage gated on the prior batch's same stage finishing, bounded by
// a shared worker-pool semaphore of size workerPoolSize. It returns the
// first stage error encountered, if any; batches already in flight are
// allowed to drain since each stage closes its done channel even on
// failure so downstream gates never deadlock.
func (im *Importer) runPipeline(ctx context.Context, batches []*batch) error {
	sem := make(chan struct{}, workerPoolSize)
	var wg sync.WaitGroup

	stageFns := []struct {
		name string
		run  func(ctx context.Context, b *batch) error
		gate func(b *batch) chan struct{} // the same batch's preceding stage; nil for search
		done func(b *batch) chan struct{}
	}{
		{"search", im.runSearch, nil, func(b *batch) chan struct{} { return b.searchDone }},
		{"download", im.runDownload, func(b *batch) chan struct{} { return b.searchDone }, func(b *batch) chan struct{} { return b.downDone }},
		{"database", im.runDatabase, func(b *batch) chan struct{} { return b.downDone }, func(b *batch) chan struct{} { return b.dbDone }},
	}

	for _, stage := range stageFns {
		stage := stage
		for i, b := range batches {
			b := b
			var waits []chan struct{}
			if stage.gate != nil {
				waits = append(waits, stage.gate(b))
			}
			if i > 0 {
				waits = append(waits, stage.done(batches[i-1]))
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer close(stage.done(b))
				for _, ch := range waits {
					select {
					case <-ch:
					case <-ctx.Done():
						return
					}
				}
				if b.failed() != nil || ctx.Err() != nil {
					return
				}
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					return
				}
				defer func() { <-sem }()

				if err := stage.run(ctx, b); err != nil {
					b.fail(stage.name, err)
				}
			}()
		}
	}

	wg.Wait()

	for _, b := range batches {
		if err := b.failed(); err != nil {
			return err
		}
	}
	return nil
}

func (im *Importer) runSearch(ctx context.Context, b *batch) error {
	results, err := im.Catalog.Search(ctx, b.window.Start, b.window.End)
	if err != nil {
		im.logf("batch %d [%s]: search failed: %v", b.index, b.run, err)
		return err
	}
	for _, r := range results {
		res, ok := catalog.BestResolution(r.Resolutions)
		if !ok {
			continue
		}
		b.files = append(b.files, catalog.DailyFile{Satellite: r.Satellite, Day: r.Day, Resolution: res})
	}
	im.logf("batch %d [%s]: search found %s daily files", b.index, b.run, humanize.Comma(int64(len(b.files))))
	return nil
}

func (im *Importer) runDownload(ctx context.Context, b *batch) error {
	if len(b.files) == 0 {
		return nil
	}
	stagingDir, err := os.MkdirTemp(im.StagingDir, fmt.Sprintf("batch-%d-*", b.index))
	if err != nil {
		return fmt.Errorf("stage staging dir: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	bySatellite := make(map[int16][]catalog.DailyFile)
	for _, f := range b.files {
		bySatellite[f.Satellite] = append(bySatellite[f.Satellite], f)
	}

	satSem := make(chan struct{}, downloadParallelism)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	i := 0
	for sat, files := range bySatellite {
		sat, files := sat, files
		if i > 0 {
			select {
			case <-time.After(downloadStagger):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		i++
		select {
		case satSem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-satSem }()
			frames, err := im.downloadSatellite(ctx, stagingDir, files)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			b.frames[sat] = mergeFrames(frames)
		}()
	}
	wg.Wait()
	return firstErr
}

func (im *Importer) downloadSatellite(ctx context.Context, stagingDir string, files []catalog.DailyFile) ([]dailyFrame, error) {
	var frames []dailyFrame
	for _, file := range files {
		data, err := im.downloadWithRetry(ctx, file)
		if err != nil {
			im.logf("download %+v: giving up after retries: %v", file, err)
			continue
		}
		destPath := filepath.Join(stagingDir, fmt.Sprintf("sat%d-%s.tsv", file.Satellite, file.Day.Format("2006-01-02")))
		if err := os.WriteFile(destPath, data, 0o644); err != nil {
			return nil, fmt.Errorf("write staged file: %w", err)
		}
		f, err := os.Open(destPath)
		if err != nil {
			return nil, err
		}
		frame, perr := parseDailyFile(f)
		f.Close()
		if perr != nil {
			im.logf("parse %s: %v (skipping)", destPath, perr)
			continue
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func (im *Importer) downloadWithRetry(ctx context.Context, file catalog.DailyFile) ([]byte, error) {
	bo := newBackoffHelper(downloadRetryUnit, 5*downloadRetryUnit)
	var lastErr error
	for attempt := 0; attempt < downloadMaxRetries; attempt++ {
		rc, err := im.Catalog.Download(ctx, file)
		if err == nil {
			data, rerr := io.ReadAll(rc)
			rc.Close()
			if rerr == nil {
				return data, nil
			}
			err = rerr
		}
		lastErr = err
		delay := bo.Next()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (im *Importer) runDatabase(ctx context.Context, b *batch) error {
	if len(b.frames) == 0 {
		return nil
	}

	var satellites []int16
	var upserts []upsertSpec
	for sat, frame := range b.frames {
		satellites = append(satellites, sat)
		upserts = append(upserts,
			upsertSpec{channel: flux.Channel{Satellite: sat, Band: flux.BandShort}, points: frame.Short},
			upsertSpec{channel: flux.Channel{Satellite: sat, Band: flux.BandLong}, points: frame.Long},
		)
	}

	if err := im.writeRaw(ctx, b.window, upserts); err != nil {
		metrics.ImportBatchesTotal.WithLabelValues(flux.SourceArchive.Name, "error").Inc()
		return fmt.Errorf("write raw: %w", err)
	}

	if err := im.Prepare(ctx, im.Store, flux.SourceArchive, satellites, []flux.Band{flux.BandShort, flux.BandLong}, b.window, im.Timeout); err != nil {
		metrics.ImportBatchesTotal.WithLabelValues(flux.SourceArchive.Name, "error").Inc()
		return fmt.Errorf("prepare: %w", err)
	}

	if err := im.Store.RecompressChunks(ctx, flux.SourceArchive, b.window.Start, im.CompressionThreshold); err != nil {
		im.logf("batch %d [%s]: recompress failed (continuing): %v", b.index, b.run, err)
	}

	metrics.ImportBatchesTotal.WithLabelValues(flux.SourceArchive.Name, "ok").Inc()
	im.logf("batch %d [%s]: database stage complete for %s", b.index, b.run, b.window)
	return nil
}
