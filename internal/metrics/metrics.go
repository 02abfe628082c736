// Package metrics exposes the Vault's prometheus counters and histograms,
// grounded on the promauto package-level-variable style in mjl--vex's
// main.go (metricPanic, metricRequest) rather than a struct of lazily
// registered collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cochaviz/vmvault/vault"
)

var (
	fetchesStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmvault_fetches_started_total",
			Help: "Number of alias fetches dispatched to the downloader, by phase.",
		},
		[]string{"phase"},
	)

	cacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vmvault_cache_hits_total",
			Help: "Number of fetch_image calls satisfied by an existing prepared record.",
		},
	)

	cacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vmvault_cache_misses_total",
			Help: "Number of fetch_image calls that required a fresh download.",
		},
	)

	dedupJoins = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vmvault_dedup_joins_total",
			Help: "Number of callers that joined an already in-flight fetch instead of starting their own.",
		},
	)

	expiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vmvault_expired_total",
			Help: "Number of prepared records removed by prune_expired.",
		},
	)

	fetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vmvault_fetch_duration_seconds",
			Help:    "Wall-clock duration of an alias fetch, from dispatch to prepare completion.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 180, 600, 1800},
		},
	)
)

// Registry adapts the package-level collectors above to vault.MetricsSink.
// The Vault core itself never imports prometheus or this package; the
// composition root wires a Registry in via vault.WithMetrics.
type Registry struct{}

// New returns a Registry. Its collectors are registered with the default
// prometheus registry on package init, matching the promauto convention the
// rest of this package follows.
func New() Registry { return Registry{} }

var _ vault.MetricsSink = Registry{}

func (Registry) FetchStarted(phase vault.Phase) {
	fetchesStarted.WithLabelValues(string(phase)).Inc()
}

func (Registry) CacheHit()                     { cacheHits.Inc() }
func (Registry) CacheMiss()                    { cacheMisses.Inc() }
func (Registry) DedupJoin()                    { dedupJoins.Inc() }
func (Registry) Expired(n int)                 { expiredTotal.Add(float64(n)) }
func (Registry) FetchDuration(seconds float64) { fetchDuration.Observe(seconds) }
