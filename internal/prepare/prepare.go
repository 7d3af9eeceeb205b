// Package prepare orchestrates the clean and combine stages against
// storage: fetching whatever bordering context each stage needs, running
// it, trimming the result back down to the caller's requested range, and
// writing the outcome back in one bulk upsert.
package prepare

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fluxpipeline/internal/clean"
	"fluxpipeline/internal/combine"
	"fluxpipeline/internal/flux"
	"fluxpipeline/internal/storage"
)

// Store is the subset of *storage.Store this package depends on, kept as
// an interface so tests can supply an in-memory fake.
type Store interface {
	Fetch(ctx context.Context, source flux.Source, channel flux.Channel, interval time.Duration, r flux.Range, timeout time.Duration) ([]flux.Point, error)
	AvailableChannels(ctx context.Context, source flux.Source, r *flux.Range) (map[flux.Channel]bool, error)
	BulkUpsert(ctx context.Context, source flux.Source, upserts []storage.ChannelUpsert) error
}

// PrepareFluxChannels cleans every (satellite, band) raw channel touching
// r, then recombines each band from its freshly cleaned satellites, and
// writes everything back to st in one bulk upsert that carries each
// channel's declared range.
// Clean tasks run concurrently; if any fails, the remaining in-flight
// tasks are cancelled and the first error is returned, since a partial
// clean result with no combine step would leave the store inconsistent.
func PrepareFluxChannels(ctx context.Context, st Store, source flux.Source, satellites []int16, bands []flux.Band, r flux.Range, timeout time.Duration) error {
	type cleanResult struct {
		channel flux.Channel
		points  []flux.Point
		span    flux.Range
	}

	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]cleanResult, len(satellites)*len(bands))
	errs := make([]error, len(satellites)*len(bands))
	var wg sync.WaitGroup

	i := 0
	for _, sat := range satellites {
		for _, band := range bands {
			idx := i
			i++
			channel := flux.Channel{Satellite: sat, Band: band}
			wg.Add(1)
			go func() {
				defer wg.Done()
				points, span, err := cleanChannel(groupCtx, st, source, channel, r, timeout)
				if err != nil {
					errs[idx] = fmt.Errorf("clean %s: %w", channel, err)
					cancel()
					return
				}
				results[idx] = cleanResult{channel: channel.Clean(), points: points, span: span}
			}()
		}
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	upserts := make([]storage.ChannelUpsert, 0, len(results)+len(bands))
	bySatellite := make(map[flux.Band][]combine.SatelliteSeries)
	var cleanSpan flux.Range
	haveSpan := false
	for _, res := range results {
		upserts = append(upserts, storage.ChannelUpsert{Channel: res.channel, Series: res.points, Range: res.span})
		if !haveSpan {
			cleanSpan = res.span
			haveSpan = true
		} else {
			cleanSpan = cleanSpan.Union(res.span)
		}
	}

	for _, band := range bands {
		for _, sat := range satellites {
			raw := flux.Channel{Satellite: sat, Band: band}
			rawPoints, err := st.Fetch(ctx, source, raw, source.RawResolution, cleanSpan, timeout)
			if err != nil {
				return fmt.Errorf("prepare: fetch raw grid for %s: %w", raw, err)
			}
			var cleanPoints []flux.Point
			for _, res := range results {
				if res.channel.Satellite == sat && res.channel.Band == band {
					cleanPoints = res.points
					break
				}
			}
			bySatellite[band] = append(bySatellite[band], combine.SatelliteSeries{Satellite: sat, Raw: rawPoints, Clean: cleanPoints})
		}
	}

	for _, band := range bands {
		combined, span, err := combineBand(ctx, st, source, band, bySatellite[band], r, timeout)
		if err != nil {
			return fmt.Errorf("combine %s: %w", band, err)
		}
		upserts = append(upserts,
			storage.ChannelUpsert{
				Channel: flux.Channel{Satellite: flux.SatelliteCombinedID, Band: band, IsClean: true},
				Series:  combined.Clean,
				Range:   span,
			},
			storage.ChannelUpsert{
				Channel: flux.Channel{Satellite: flux.SatelliteCombinedID, Band: band, IsClean: false},
				Series:  combined.Raw,
				Range:   span,
			},
		)
	}

	if err := st.BulkUpsert(ctx, source, upserts); err != nil {
		return fmt.Errorf("prepare: bulk upsert: %w", err)
	}
	return nil
}

// cleanChannel fetches raw data over r extended by twice the cleaner's
// border requirement, cleans it, then trims the result back to a single
// border's worth of margin so later combine passes still have the
// context they need without re-cleaning territory this call already
// covered.
func cleanChannel(ctx context.Context, st Store, source flux.Source, channel flux.Channel, r flux.Range, timeout time.Duration) ([]flux.Point, flux.Range, error) {
	recleanRange := r.Extend(clean.CleanBorderSize)
	fetchRange := recleanRange.Extend(clean.CleanBorderSize)

	raw, err := extendFlux(ctx, st, source, channel, nil, fetchRange, timeout)
	if err != nil {
		return nil, flux.Range{}, err
	}

	cleaned := clean.Clean(raw)
	return trimToRange(cleaned, recleanRange), recleanRange, nil
}

// combineBand fetches raw/clean pairs for every satellite over r extended
// by twice the combiner's border requirement (fetching any satellite
// series missing from satellites), combines them into both the raw- and
// clean-combined channels, and trims each result to a single border's
// margin.
func combineBand(ctx context.Context, st Store, source flux.Source, band flux.Band, satellites []combine.SatelliteSeries, r flux.Range, timeout time.Duration) (combine.Combined, flux.Range, error) {
	recombineRange := r.Extend(combine.CombineBorderSize)
	fetchRange := recombineRange.Extend(combine.CombineBorderSize)

	complete := make([]combine.SatelliteSeries, len(satellites))
	for i, sat := range satellites {
		raw, err := extendFlux(ctx, st, source, flux.Channel{Satellite: sat.Satellite, Band: band}, sat.Raw, fetchRange, timeout)
		if err != nil {
			return combine.Combined{}, flux.Range{}, err
		}
		cleanChan := flux.Channel{Satellite: sat.Satellite, Band: band, IsClean: true}
		cleanPoints, err := extendFlux(ctx, st, source, cleanChan, sat.Clean, fetchRange, timeout)
		if err != nil {
			return combine.Combined{}, flux.Range{}, err
		}
		complete[i] = combine.SatelliteSeries{Satellite: sat.Satellite, Raw: raw, Clean: cleanPoints}
	}

	combined := combine.Combine(complete)
	return combine.Combined{
		Clean: trimToRange(combined.Clean, recombineRange),
		Raw:   trimToRange(combined.Raw, recombineRange),
	}, recombineRange, nil
}

// extendFlux fetches only the bordering data missing from current to
// cover want, fetching the whole range from scratch if current is empty.
func extendFlux(ctx context.Context, st Store, source flux.Source, channel flux.Channel, current []flux.Point, want flux.Range, timeout time.Duration) ([]flux.Point, error) {
	if len(current) == 0 {
		return st.Fetch(ctx, source, channel, source.RawResolution, want, timeout)
	}

	have := flux.NewRange(current[0].Time, current[len(current)-1].Time)
	out := make([]flux.Point, 0, len(current)+16)

	if want.Start.Before(have.Start) {
		leading, err := st.Fetch(ctx, source, channel, source.RawResolution, flux.NewRange(want.Start, have.Start), timeout)
		if err != nil {
			return nil, fmt.Errorf("prepare: extend leading %s: %w", channel, err)
		}
		out = append(out, leading...)
	}
	out = append(out, current...)
	if want.End.After(have.End) {
		trailing, err := st.Fetch(ctx, source, channel, source.RawResolution, flux.NewRange(have.End, want.End), timeout)
		if err != nil {
			return nil, fmt.Errorf("prepare: extend trailing %s: %w", channel, err)
		}
		out = append(out, trailing...)
	}
	return out, nil
}

func trimToRange(points []flux.Point, r flux.Range) []flux.Point {
	out := make([]flux.Point, 0, len(points))
	for _, p := range points {
		if r.Contains(p.Time) {
			out = append(out, p)
		}
	}
	return out
}
