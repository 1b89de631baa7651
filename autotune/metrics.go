package autotune

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics of all selectors, labeled by selector name, in the default Prometheus registry.
var (
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gotriton_autotune_cache_hits_total",
		Help: "Number of selections served from the autotuning cache",
	}, []string{"selector"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gotriton_autotune_cache_misses_total",
		Help: "Number of selections that required benchmarking the candidates",
	}, []string{"selector"})

	CacheEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gotriton_autotune_cache_entries",
		Help: "Number of problem signatures in the autotuning caches, summed over the selectors of the same name",
	}, []string{"selector"})

	BenchmarkRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gotriton_autotune_benchmark_runs_total",
		Help: "Number of candidates benchmarked",
	}, []string{"selector"})

	CandidateLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gotriton_autotune_candidate_latency_seconds",
		Help:    "Aggregated latency of benchmarked candidates",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12), // 1µs to ~4s
	}, []string{"selector", "candidate"})
)
