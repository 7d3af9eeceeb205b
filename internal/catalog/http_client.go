package catalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// HTTPClient is a thin HTTP-based Client: Search hits a JSON search
// endpoint and Download streams a file from a per-day URL template. It is
// the concrete stand-in for the out-of-scope third-party catalog fetcher
// spec.md §1 names as an external collaborator.
type HTTPClient struct {
	HTTP      *http.Client
	SearchURL string // queried with ?start=&end= (RFC3339)
	DailyURL  func(file DailyFile) string
}

// NewHTTPClient builds an HTTPClient with a default 30s-timeout client.
func NewHTTPClient(searchURL string, dailyURL func(DailyFile) string) *HTTPClient {
	return &HTTPClient{
		HTTP:      &http.Client{Timeout: 30 * time.Second},
		SearchURL: searchURL,
		DailyURL:  dailyURL,
	}
}

type searchResponseRow struct {
	SatelliteNumber int16    `json:"SatelliteNumber"`
	StartTime       string   `json:"Start Time"`
	Resolution      []string `json:"Resolution"`
}

// Search queries SearchURL and returns one DailyResult per returned row.
// Rows are not merged, so a satellite-day listed twice yields two results.
func (c *HTTPClient) Search(ctx context.Context, start, end time.Time) ([]DailyResult, error) {
	url := fmt.Sprintf("%s?start=%s&end=%s", c.SearchURL, start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: build search request: %w", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog: search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog: search: status %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("catalog: read search response: %w", err)
	}
	var rows []searchResponseRow
	if err := jsonAPI.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("catalog: parse search response: %w", err)
	}

	out := make([]DailyResult, 0, len(rows))
	for _, row := range rows {
		day, err := time.Parse("2006-01-02 15:04:05", row.StartTime)
		if err != nil {
			day, err = time.Parse(time.RFC3339, row.StartTime)
			if err != nil {
				return nil, fmt.Errorf("catalog: parse day %q: %w", row.StartTime, err)
			}
		}
		out = append(out, DailyResult{Satellite: row.SatelliteNumber, Day: day.UTC(), Resolutions: row.Resolution})
	}
	return out, nil
}

// Download streams one daily file's bytes from DailyURL(file).
func (c *HTTPClient) Download(ctx context.Context, file DailyFile) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.DailyURL(file), nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: build download request: %w", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog: download %+v: %w", file, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("catalog: download %+v: status %s", file, resp.Status)
	}
	return resp.Body, nil
}
