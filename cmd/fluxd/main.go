// Command fluxd runs the solar X-ray flux ingest-and-conditioning
// pipeline: the archive and live importers, and the HTTP query surface
// that serves downsampled range queries over their output.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"

	"fluxpipeline/internal/catalog"
	"fluxpipeline/internal/config"
	"fluxpipeline/internal/fetcher"
	"fluxpipeline/internal/flux"
	"fluxpipeline/internal/fluxerr"
	"fluxpipeline/internal/importer"
	archiveimp "fluxpipeline/internal/importer/archive"
	liveimp "fluxpipeline/internal/importer/live"
	"fluxpipeline/internal/metrics"
	"fluxpipeline/internal/prepare"
	"fluxpipeline/internal/storage"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Version is set at build time.
var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "archive":
		runServer(runArchive)
	case "live":
		runServer(runLive)
	case "all":
		runServer(runArchive, runLive)
	case "bench":
		runBenchmark(os.Args[2:])
	case "-h", "--help", "help":
		usage()
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: fluxd <archive|live|all|bench> [flags]")
}

type importerStarter func(ctx context.Context, cfg *config.Config, st *storage.Store)

// runServer wires config, storage, metrics, the per-band fetchers and
// the HTTP query surface, then starts the requested importer(s) unless
// ONLY_API disables them, and blocks until SIGINT/SIGTERM.
func runServer(starters ...importerStarter) {
	fmt.Printf("fluxd %s starting...\n", Version)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := storage.Open(ctx, cfg.DatabaseURL())
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer st.Close()

	if err := st.EnsureSchema(ctx, cfg.DatabaseMemoryGB); err != nil {
		log.Fatalf("storage: ensure schema: %v", err)
	}

	shortFetcher := fetcher.New(st, flux.BandShort)
	longFetcher := fetcher.New(st, flux.BandLong)
	go shortFetcher.Run(ctx)
	go longFetcher.Run(ctx)

	if !cfg.OnlyAPI {
		for _, start := range starters {
			start(ctx, cfg, st)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/flux", fluxHandler(cfg, shortFetcher, longFetcher))
	mux.HandleFunc("/status", statusHandler(shortFetcher, longFetcher))

	server := &http.Server{Addr: ":8080", Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

func runArchive(ctx context.Context, cfg *config.Config, st *storage.Store) {
	stagingDir, err := os.MkdirTemp("", "fluxd-archive-*")
	if err != nil {
		log.Fatalf("archive: staging dir: %v", err)
	}
	cat := catalog.NewHTTPClient(
		os.Getenv("ARCHIVE_SEARCH_URL"),
		func(f catalog.DailyFile) string {
			return fmt.Sprintf("%s/%d/%s/%s", os.Getenv("ARCHIVE_DOWNLOAD_BASE_URL"), f.Satellite, f.Day.Format("2006-01-02"), f.Resolution)
		},
	)
	im := archiveimp.NewImporter(st, cat, prepare.PrepareFluxChannels, cfg.ImportStart, stagingDir, cfg.FluxQueryTimeout)
	go importer.Supervise(ctx, "archive", func() importer.Importer { return im }, importer.RestartDelay)
}

func runLive(ctx context.Context, cfg *config.Config, st *storage.Store) {
	primary := liveimp.Feed{Name: "primary", BaseURL: func(window string) string {
		return fmt.Sprintf("%s/%s.json", os.Getenv("LIVE_PRIMARY_BASE_URL"), window)
	}}
	secondary := liveimp.Feed{Name: "secondary", BaseURL: func(window string) string {
		return fmt.Sprintf("%s/%s.json", os.Getenv("LIVE_SECONDARY_BASE_URL"), window)
	}}
	im := liveimp.NewImporter(st, prepare.PrepareFluxChannels, primary, secondary, cfg.ImportStart, cfg.FluxQueryTimeout)
	go importer.Supervise(ctx, "live", func() importer.Importer { return im }, importer.RestartDelay)
}

func bandFor(values []string) (flux.Band, error) {
	if len(values) == 0 || values[0] == "" {
		return flux.BandLong, nil
	}
	switch values[0] {
	case "short":
		return flux.BandShort, nil
	case "long":
		return flux.BandLong, nil
	default:
		return "", fmt.Errorf("unknown band %q", values[0])
	}
}

func fluxHandler(cfg *config.Config, shortFetcher, longFetcher *fetcher.Fetcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		band, err := bandFor(q["band"])
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f := longFetcher
		if band == flux.BandShort {
			f = shortFetcher
		}

		resolution := cfg.FluxMaxResolution
		if v := q.Get("resolution"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				http.Error(w, "invalid resolution", http.StatusBadRequest)
				return
			}
			resolution = n
		}
		if resolution < 1 {
			resolution = 1
		}
		if resolution > cfg.FluxMaxResolution {
			resolution = cfg.FluxMaxResolution
		}

		status := f.Status()
		start := time.Time{}
		if status != nil {
			start = status.Start
		}
		if v := q.Get("start"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				http.Error(w, "invalid start", http.StatusBadRequest)
				return
			}
			start = t.UTC()
		}
		end := time.Now().UTC()
		if v := q.Get("end"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				http.Error(w, "invalid end", http.StatusBadRequest)
				return
			}
			end = t.UTC()
		}
		if start.After(end) {
			http.Error(w, "start must not be after end", http.StatusBadRequest)
			return
		}

		interval := time.Second
		if resolution > 0 {
			interval = end.Sub(start) / time.Duration(resolution)
		}
		if interval <= 0 {
			interval = time.Second
		}

		points, err := f.FetchRaw(r.Context(), start, end, interval, cfg.FluxQueryTimeout)
		if err != nil {
			if fluxerr.ClassOf(err) == fluxerr.QueryTimeout {
				http.Error(w, "query timed out", http.StatusServiceUnavailable)
				return
			}
			log.Printf("flux query error: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if points == nil {
			points = [][2]float64{}
		}

		w.Header().Set("Content-Type", "application/json")
		enc := jsonAPI.NewEncoder(w)
		_ = enc.Encode(points)
	}
}

type statusResponse struct {
	Start *string `json:"start"`
	End   *string `json:"end"`
}

func statusHandler(shortFetcher, longFetcher *fetcher.Fetcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		band, err := bandFor(r.URL.Query()["band"])
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f := longFetcher
		if band == flux.BandShort {
			f = shortFetcher
		}

		resp := statusResponse{}
		if status := f.Status(); status != nil {
			start := status.Start.Format(time.RFC3339)
			end := status.End.Format(time.RFC3339)
			resp.Start = &start
			resp.End = &end
		}
		w.Header().Set("Content-Type", "application/json")
		enc := jsonAPI.NewEncoder(w)
		_ = enc.Encode(resp)
	}
}

// runBenchmark simulates N panning viewers issuing /flux requests against
// a running fluxd instance and reports latency and error counts (spec.md
// §6's benchmark client).
func runBenchmark(args []string) {
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	target := fs.String("target", "http://localhost:8080", "fluxd base URL")
	viewers := fs.Int("viewers", 10, "number of simulated concurrent viewers")
	duration := fs.Duration("duration", 30*time.Second, "benchmark duration")
	_ = fs.Parse(args)

	client := &http.Client{Timeout: 10 * time.Second}
	deadline := time.Now().Add(*duration)

	var mu sync.Mutex
	var requests, errs int
	var totalLatency time.Duration

	var wg sync.WaitGroup
	for i := 0; i < *viewers; i++ {
		wg.Add(1)
		go func(viewer int) {
			defer wg.Done()
			for time.Now().Before(deadline) {
				start := time.Now()
				url := fmt.Sprintf("%s/flux?resolution=2000", *target)
				resp, err := client.Get(url)
				elapsed := time.Since(start)

				mu.Lock()
				requests++
				totalLatency += elapsed
				if err != nil || resp.StatusCode != http.StatusOK {
					errs++
				}
				mu.Unlock()
				if err == nil {
					resp.Body.Close()
				}
			}
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	avg := time.Duration(0)
	if requests > 0 {
		avg = totalLatency / time.Duration(requests)
	}
	fmt.Printf("requests=%d errors=%d avg_latency=%s\n", requests, errs, avg)
}
