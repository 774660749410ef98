// Package telemetry exposes Prometheus metrics for scan runs.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the counters a scan run records. Construct one per process
// with New and pass it down; tests can use their own registry.
type Metrics struct {
	PagesFetched   *prometheus.CounterVec
	FetchErrors    *prometheus.CounterVec
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	SitesCompleted *prometheus.CounterVec
	TermMatches    prometheus.Counter
	BotRetries     prometheus.Counter
}

// New registers the scan metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PagesFetched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "schoolscan",
			Name:      "pages_fetched_total",
			Help:      "Pages fetched, partitioned by client (plain or browser).",
		}, []string{"client"}),
		FetchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "schoolscan",
			Name:      "fetch_errors_total",
			Help:      "Fetch failures by error kind.",
		}, []string{"kind"}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "schoolscan",
			Name:      "url_cache_hits_total",
			Help:      "Page fetches satisfied from the shared URL cache.",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "schoolscan",
			Name:      "url_cache_misses_total",
			Help:      "Page fetches that went to the network.",
		}),
		SitesCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "schoolscan",
			Name:      "sites_completed_total",
			Help:      "Site tasks finished, partitioned by terminal status.",
		}, []string{"status"}),
		TermMatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "schoolscan",
			Name:      "term_matches_total",
			Help:      "Individual term occurrences found across all pages.",
		}),
		BotRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "schoolscan",
			Name:      "bot_protection_retries_total",
			Help:      "Fetches retried with the browser client after bot protection was detected.",
		}),
	}
}

// NewNop returns metrics backed by an unexported registry, for tests and
// callers that do not scrape.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
