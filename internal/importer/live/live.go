// Package live implements the live importer: a single coroutine that
// polls two live JSON feeds on a self-paced interval derived from HTTP
// cache headers (spec.md §4.6).
package live

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"fluxpipeline/internal/flux"
	"fluxpipeline/internal/fluxerr"
	"fluxpipeline/internal/prepare"
	"fluxpipeline/internal/storage"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// windowLadder are the candidate feed windows, shortest first, named the
// way the upstream feed's URL suffixes are (spec.md §4.6: "shortest
// window URL that still covers now - start").
var windowLadder = []struct {
	name string
	span time.Duration
}{
	{"6-hour", 6 * time.Hour},
	{"1-day", 24 * time.Hour},
	{"3-day", 3 * 24 * time.Hour},
	{"7-day", 7 * 24 * time.Hour},
}

// Feed describes one of the two live feeds this importer polls. Each
// feed emits both bands for a single satellite (spec.md §4.6: "Enforce a
// single satellite id per feed").
type Feed struct {
	Name    string
	BaseURL func(windowName string) string
}

// Store is the subset of *storage.Store the live importer depends on.
type Store interface {
	BulkUpsert(ctx context.Context, source flux.Source, upserts []storage.ChannelUpsert) error
	AvailableChannels(ctx context.Context, source flux.Source, r *flux.Range) (map[flux.Channel]bool, error)
	Fetch(ctx context.Context, source flux.Source, channel flux.Channel, interval time.Duration, r flux.Range, timeout time.Duration) ([]flux.Point, error)
	LastNonCombinedTimestamp(ctx context.Context, source flux.Source) (*time.Time, error)
}

// PrepareFunc matches internal/prepare.PrepareFluxChannels's signature.
type PrepareFunc func(ctx context.Context, st prepare.Store, source flux.Source, satellites []int16, bands []flux.Band, r flux.Range, timeout time.Duration) error

// Importer is the LIVE source's Importer implementation.
type Importer struct {
	Store       Store
	Prepare     PrepareFunc
	HTTPClient  *http.Client
	Primary     Feed
	Secondary   Feed
	ImportStart time.Time
	Timeout     time.Duration
}

// NewImporter builds a live Importer with spec.md defaults.
func NewImporter(store Store, prepareFn PrepareFunc, primary, secondary Feed, importStart time.Time, timeout time.Duration) *Importer {
	return &Importer{
		Store:       store,
		Prepare:     prepareFn,
		HTTPClient:  &http.Client{Timeout: 30 * time.Second},
		Primary:     primary,
		Secondary:   secondary,
		ImportStart: importStart,
		Timeout:     timeout,
	}
}

// record is one upstream live-feed JSON sample.
type record struct {
	TimeTag   string  `json:"time_tag"`
	Energy    string  `json:"energy"`
	Flux      float64 `json:"flux"`
	Satellite int     `json:"satellite"`
}

// Run polls forever until ctx is cancelled, self-pacing from the
// Cache-Control/Age response headers of the last fetch.
func (im *Importer) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		wait, err := im.iteration(ctx)
		if err != nil {
			if fluxerr.ClassOf(err) == fluxerr.Fatal || fluxerr.ClassOf(err) == fluxerr.DataIntegrity || fluxerr.ClassOf(err) == fluxerr.Unknown {
				return err
			}
			// Transient/QueryTimeout/InvalidInput: log and retry on the default cadence.
			wait = 60 * time.Second
			log.Printf("live: iteration failed, retrying in %s: %v", wait, err)
		}
		if wait <= 0 {
			wait = time.Second
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

// iteration runs a single poll: resume, fetch both feeds, prepare,
// upsert, and returns the next wait derived from the primary feed's
// cache headers.
func (im *Importer) iteration(ctx context.Context) (time.Duration, error) {
	resume, err := im.resumePoint(ctx)
	if err != nil {
		return 0, fluxerr.WrapTransient(err)
	}
	now := time.Now().UTC()
	r := flux.NewRange(resume, now)

	primaryBands, primarySat, maxAge, age, err := im.fetchFeed(ctx, im.Primary, resume, now)
	if err != nil {
		return 0, err
	}
	secondaryBands, secondarySat, _, _, err := im.fetchFeed(ctx, im.Secondary, resume, now)
	if err != nil {
		return 0, err
	}

	satellites := uniqueInt16s([]int16{primarySat, secondarySat})
	allBands := []flux.Band{flux.BandShort, flux.BandLong}

	var upserts []storage.ChannelUpsert
	for _, band := range allBands {
		upserts = append(upserts, storage.ChannelUpsert{
			Channel: flux.Channel{Satellite: primarySat, Band: band},
			Series:  primaryBands[band],
			Range:   r,
		})
		upserts = append(upserts, storage.ChannelUpsert{
			Channel: flux.Channel{Satellite: secondarySat, Band: band},
			Series:  secondaryBands[band],
			Range:   r,
		})
	}
	// Even an empty channel with a non-empty range is written, erasing
	// stale rows (spec.md §4.6 step 4 / §9's resolved Open Question).
	if err := im.Store.BulkUpsert(ctx, flux.SourceLive, upserts); err != nil {
		return 0, fluxerr.WrapTransient(err)
	}

	if err := im.Prepare(ctx, im.Store, flux.SourceLive, satellites, allBands, r, im.Timeout); err != nil {
		return 0, fmt.Errorf("live: prepare: %w", err)
	}

	if maxAge <= 0 {
		maxAge = 60 * time.Second
	}
	wait := maxAge - age + time.Second
	return wait, nil
}

func (im *Importer) resumePoint(ctx context.Context) (time.Time, error) {
	last, err := im.Store.LastNonCombinedTimestamp(ctx, flux.SourceLive)
	if err != nil {
		return time.Time{}, err
	}
	resume := im.ImportStart
	if last != nil && last.Add(time.Millisecond).After(resume) {
		resume = last.Add(time.Millisecond)
	}
	return resume, nil
}

// fetchFeed picks the shortest window that still covers now-resume,
// downloads and parses it, filtering each record to its matching band by
// energy tag, a finite flux in (0, 1), and a timestamp at or after
// resume, and enforces a single satellite id across the whole feed.
func (im *Importer) fetchFeed(ctx context.Context, feed Feed, resume, now time.Time) (map[flux.Band][]flux.Point, int16, time.Duration, time.Duration, error) {
	span := now.Sub(resume)
	windowName := windowLadder[len(windowLadder)-1].name
	for _, w := range windowLadder {
		if w.span >= span {
			windowName = w.name
			break
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.BaseURL(windowName), nil)
	if err != nil {
		return nil, 0, 0, 0, fluxerr.Invalidf("live: build request for %s: %w", feed.Name, err)
	}
	resp, err := im.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, 0, 0, fluxerr.WrapTransient(fmt.Errorf("live: fetch %s: %w", feed.Name, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, 0, 0, 0, fluxerr.Transientf("live: fetch %s: status %s", feed.Name, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, 0, 0, fluxerr.WrapTransient(fmt.Errorf("live: read %s: %w", feed.Name, err))
	}

	var records []record
	if err := jsonAPI.Unmarshal(body, &records); err != nil {
		return nil, 0, 0, 0, fluxerr.Integrityf("live: parse %s: %w", feed.Name, err)
	}

	bands, satellite, err := filterFeedRecords(records, resume)
	if err != nil {
		return nil, 0, 0, 0, fmt.Errorf("live: %s: %w", feed.Name, err)
	}

	maxAge, age := parseCacheHeaders(resp.Header)
	return bands, satellite, maxAge, age, nil
}

func filterFeedRecords(records []record, resume time.Time) (map[flux.Band][]flux.Point, int16, error) {
	energyTags := map[string]flux.Band{
		flux.BandShort.EnergyTag(): flux.BandShort,
		flux.BandLong.EnergyTag():  flux.BandLong,
	}
	out := map[flux.Band][]flux.Point{}
	satellite := int16(-1)
	for _, rec := range records {
		band, ok := energyTags[rec.Energy]
		if !ok {
			continue
		}
		if !(rec.Flux > 0 && rec.Flux < 1) {
			continue
		}
		t, err := parseFeedTime(rec.TimeTag)
		if err != nil {
			return nil, 0, fluxerr.Integrityf("bad time_tag %q: %w", rec.TimeTag, err)
		}
		if t.Before(resume) {
			continue
		}
		sat := int16(rec.Satellite)
		if satellite == -1 {
			satellite = sat
		} else if satellite != sat {
			return nil, 0, fluxerr.Invalidf("feed mixes satellite %d and %d", satellite, sat)
		}
		out[band] = append(out[band], flux.Point{Time: t, Flux: float32(rec.Flux)})
	}
	for band := range out {
		sort.Slice(out[band], func(i, j int) bool { return out[band][i].Time.Before(out[band][j].Time) })
	}
	if satellite == -1 {
		satellite = 0
	}
	return out, satellite, nil
}

func parseFeedTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05", raw); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time_tag format")
}

// parseCacheHeaders reads Cache-Control: max-age and Age, defaulting to
// 60s/0s per spec.md §4.6.
func parseCacheHeaders(h http.Header) (maxAge, age time.Duration) {
	maxAge = 60 * time.Second
	if cc := h.Get("Cache-Control"); cc != "" {
		for _, part := range strings.Split(cc, ",") {
			part = strings.TrimSpace(part)
			if v, ok := strings.CutPrefix(part, "max-age="); ok {
				if secs, err := strconv.Atoi(v); err == nil {
					maxAge = time.Duration(secs) * time.Second
				}
			}
		}
	}
	if a := h.Get("Age"); a != "" {
		if secs, err := strconv.Atoi(a); err == nil {
			age = time.Duration(secs) * time.Second
		}
	}
	return maxAge, age
}

func uniqueInt16s(in []int16) []int16 {
	seen := map[int16]bool{}
	var out []int16
	for _, v := range in {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
