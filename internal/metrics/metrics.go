// Package metrics exposes process-level Prometheus collectors for the
// ingest pipeline: import batch throughput, clean/combine durations,
// storage write counts and query fetch latencies.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ImportBatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flux_import_batches_total",
		Help: "Total import batches processed, labeled by source and outcome.",
	}, []string{"source", "outcome"})

	ImportRowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flux_import_rows_total",
		Help: "Total rows written to storage, labeled by source.",
	}, []string{"source"})

	CleanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "flux_clean_duration_seconds",
		Help:    "Wall time spent in the cleaner per channel invocation.",
		Buckets: prometheus.DefBuckets,
	})

	CombineDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "flux_combine_duration_seconds",
		Help:    "Wall time spent in the combiner per band invocation.",
		Buckets: prometheus.DefBuckets,
	})

	StorageWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flux_storage_writes_total",
		Help: "Total bulk_upsert calls, labeled by source and outcome.",
	}, []string{"source", "outcome"})

	QueryFetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "flux_query_fetch_duration_seconds",
		Help:    "Wall time of fetcher.Fetch calls.",
		Buckets: prometheus.DefBuckets,
	})

	QueryFetchErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flux_query_fetch_errors_total",
		Help: "Total fetch errors, labeled by classified error kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		ImportBatchesTotal,
		ImportRowsTotal,
		CleanDuration,
		CombineDuration,
		StorageWritesTotal,
		QueryFetchDuration,
		QueryFetchErrorsTotal,
	)
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts a dedicated metrics server on addr. It runs until the
// process exits; callers that already expose an HTTP mux should instead
// mount Handler() themselves.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return server.ListenAndServe()
}

// Timer returns a function that observes elapsed time into h when called.
func Timer(h prometheus.Histogram) func() {
	start := time.Now()
	return func() {
		h.Observe(time.Since(start).Seconds())
	}
}
