package live

import (
	"net/http"
	"testing"
	"time"

	"fluxpipeline/internal/flux"
)

func TestFilterFeedRecordsClassifiesByEnergyTag(t *testing.T) {
	resume := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	records := []record{
		{TimeTag: "2024-01-01T00:01:00Z", Energy: flux.BandShort.EnergyTag(), Flux: 0.5, Satellite: 16},
		{TimeTag: "2024-01-01T00:02:00Z", Energy: flux.BandLong.EnergyTag(), Flux: 0.6, Satellite: 16},
	}

	bands, satellite, err := filterFeedRecords(records, resume)
	if err != nil {
		t.Fatalf("filterFeedRecords: %v", err)
	}
	if satellite != 16 {
		t.Fatalf("satellite = %d, want 16", satellite)
	}
	if len(bands[flux.BandShort]) != 1 || len(bands[flux.BandLong]) != 1 {
		t.Fatalf("expected one point per band, got %+v", bands)
	}
}

func TestFilterFeedRecordsDropsBeforeResumeAndOutOfRangeFlux(t *testing.T) {
	resume := time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC)
	records := []record{
		{TimeTag: "2024-01-01T00:01:00Z", Energy: flux.BandShort.EnergyTag(), Flux: 0.5, Satellite: 16}, // before resume
		{TimeTag: "2024-01-01T00:06:00Z", Energy: flux.BandShort.EnergyTag(), Flux: 0, Satellite: 16},    // flux out of (0,1)
		{TimeTag: "2024-01-01T00:07:00Z", Energy: "unknown", Flux: 0.5, Satellite: 16},                   // unmatched energy tag
	}

	bands, _, err := filterFeedRecords(records, resume)
	if err != nil {
		t.Fatalf("filterFeedRecords: %v", err)
	}
	if len(bands[flux.BandShort]) != 0 || len(bands[flux.BandLong]) != 0 {
		t.Fatalf("expected all records dropped, got %+v", bands)
	}
}

func TestFilterFeedRecordsRejectsMixedSatellites(t *testing.T) {
	resume := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	records := []record{
		{TimeTag: "2024-01-01T00:01:00Z", Energy: flux.BandShort.EnergyTag(), Flux: 0.5, Satellite: 16},
		{TimeTag: "2024-01-01T00:02:00Z", Energy: flux.BandLong.EnergyTag(), Flux: 0.6, Satellite: 18},
	}

	if _, _, err := filterFeedRecords(records, resume); err == nil {
		t.Fatalf("expected error for mixed satellite ids")
	}
}

func TestParseCacheHeadersDefaults(t *testing.T) {
	maxAge, age := parseCacheHeaders(http.Header{})
	if maxAge != 60*time.Second || age != 0 {
		t.Fatalf("parseCacheHeaders defaults = %v, %v; want 60s, 0s", maxAge, age)
	}
}

func TestParseCacheHeadersOverride(t *testing.T) {
	h := http.Header{}
	h.Set("Cache-Control", "public, max-age=45")
	h.Set("Age", "10")
	maxAge, age := parseCacheHeaders(h)
	if maxAge != 45*time.Second || age != 10*time.Second {
		t.Fatalf("parseCacheHeaders = %v, %v; want 45s, 10s", maxAge, age)
	}
}

func TestParseFeedTimeAcceptsBothFormats(t *testing.T) {
	if _, err := parseFeedTime("2024-01-01T00:00:00Z"); err != nil {
		t.Fatalf("RFC3339 parse: %v", err)
	}
	if _, err := parseFeedTime("2024-01-01T00:00:00"); err != nil {
		t.Fatalf("no-zone parse: %v", err)
	}
	if _, err := parseFeedTime("not-a-time"); err == nil {
		t.Fatalf("expected error for garbage time_tag")
	}
}
