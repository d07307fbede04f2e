// Package metrics defines and registers the engine's Prometheus metrics:
// entity counts, cache hit rate, write-buffer depth and backpressure band,
// object-store op latency/errors, HNSW insert/search latency, query
// latency by shape, and commit/fork duration. All metrics are registered
// at package init via prometheus.MustRegister; Handler exposes them over
// HTTP for scraping. Collector polls a StatsProvider (implemented by
// pkg/engine) on a 15s ticker for the gauges that can't be maintained as
// simple counters on the hot path.
package metrics
