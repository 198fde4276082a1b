package metrics

import (
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "netwatchz"

const (
	ALLOW        = "ALLOW"
	DENY         = "DENY"
	BYPASS       = "BYPASS"
	OK           = "OK"
	ERROR        = "ERROR"
	HIT          = "HIT"
	MISS         = "MISS"
	NotAvailable = "-"
)

var latencyBuckets = []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5}

// Instrumentation publishes Prometheus metrics for screening and the data it relies on.
type Instrumentation struct {
	decisions          *prometheus.CounterVec
	decisionDuration   *prometheus.HistogramVec
	inFlight           *prometheus.GaugeVec
	signals            *prometheus.CounterVec
	enrichmentFailures *prometheus.CounterVec
	cacheRequests      *prometheus.CounterVec
	cacheEntries       *prometheus.GaugeVec
	providerFetches    *prometheus.CounterVec
	providerDuration   *prometheus.HistogramVec
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	listReloads        *prometheus.CounterVec
	listRanges         *prometheus.GaugeVec
	listSyncs          *prometheus.CounterVec
	listSyncDuration   *prometheus.HistogramVec
	geoliteRefreshes   *prometheus.CounterVec
}

// NewInstrumentation registers all metric vectors.
func NewInstrumentation(reg prometheus.Registerer) *Instrumentation {
	inst := &Instrumentation{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "screening_decisions_total",
			Help:      "Screening decisions by verdict and culprit signal",
		}, []string{"authority", "verdict", "culprit"}),
		decisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "screening_duration_seconds",
			Help:      "End-to-end screening latency",
			Buckets:   latencyBuckets,
		}, []string{"authority", "verdict"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_checks",
			Help:      "Authorization checks currently being screened",
		}, []string{"authority"}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_raised_total",
			Help:      "Risk signals raised while screening",
		}, []string{"signal"}),
		enrichmentFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichment_failures_total",
			Help:      "Lookups that failed during screening and were treated as clean",
		}, []string{"source"}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Provider cache lookups",
		}, []string{"provider", "result"}),
		cacheEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Entries held by the in-process provider caches",
		}, []string{"cache"}),
		providerFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "fetches_total",
			Help:      "Upstream provider lookups by result",
		}, []string{"provider", "result"}),
		providerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "fetch_duration_seconds",
			Help:      "Upstream provider lookup latency",
			Buckets:   latencyBuckets,
		}, []string{"provider", "result"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "circuit_state",
			Help:      "Upstream circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"client"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "circuit_transitions_total",
			Help:      "Upstream circuit breaker state changes",
		}, []string{"client", "from", "to"}),
		listReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ip_list",
			Name:      "reloads_total",
			Help:      "IP list reloads by result",
		}, []string{"list", "result"}),
		listRanges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ip_list",
			Name:      "ranges",
			Help:      "Merged ranges currently loaded per IP list",
		}, []string{"list"}),
		listSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ip_list",
			Name:      "syncs_total",
			Help:      "IP list downloads by result",
		}, []string{"job", "result"}),
		listSyncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ip_list",
			Name:      "sync_duration_seconds",
			Help:      "IP list download duration",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"job"}),
		geoliteRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "geolite",
			Name:      "refreshes_total",
			Help:      "GeoLite2 database downloads by result",
		}, []string{"database", "result"}),
	}

	reg.MustRegister(
		inst.decisions,
		inst.decisionDuration,
		inst.inFlight,
		inst.signals,
		inst.enrichmentFailures,
		inst.cacheRequests,
		inst.cacheEntries,
		inst.providerFetches,
		inst.providerDuration,
		inst.breakerState,
		inst.breakerTransitions,
		inst.listReloads,
		inst.listRanges,
		inst.listSyncs,
		inst.listSyncDuration,
		inst.geoliteRefreshes,
	)
	return inst
}

// InFlight increments or decrements the in-flight gauge.
func (i *Instrumentation) InFlight(authority string, delta float64) {
	if i == nil || delta == 0 {
		return
	}
	i.inFlight.WithLabelValues(authority).Add(delta)
}

// ObserveDecision records a screening verdict. culprit is the signal that decided a
// denial and is ignored for allowed checks.
func (i *Instrumentation) ObserveDecision(authority, verdict, culprit string, duration time.Duration) {
	if i == nil {
		return
	}
	if verdict == ALLOW || culprit == "" {
		culprit = NotAvailable
	}
	i.decisions.WithLabelValues(authority, verdict, culprit).Inc()
	i.decisionDuration.WithLabelValues(authority, verdict).Observe(duration.Seconds())
}

// ObserveSignal counts a raised signal.
func (i *Instrumentation) ObserveSignal(signal string) {
	if i == nil {
		return
	}
	i.signals.WithLabelValues(signal).Inc()
}

// ObserveEnrichmentFailure counts a lookup that failed open during screening.
func (i *Instrumentation) ObserveEnrichmentFailure(source string) {
	if i == nil {
		return
	}
	i.enrichmentFailures.WithLabelValues(source).Inc()
}

// ObserveCacheLookup records a provider cache hit or miss.
func (i *Instrumentation) ObserveCacheLookup(provider string, hit bool) {
	if i == nil {
		return
	}
	result := MISS
	if hit {
		result = HIT
	}
	i.cacheRequests.WithLabelValues(provider, result).Inc()
}

// SetCacheEntries publishes the current size of a cache.
func (i *Instrumentation) SetCacheEntries(cache string, entries int) {
	if i == nil {
		return
	}
	i.cacheEntries.WithLabelValues(cache).Set(float64(entries))
}

// ObserveProviderFetch records an upstream lookup.
func (i *Instrumentation) ObserveProviderFetch(provider, result string, duration time.Duration) {
	if i == nil {
		return
	}
	i.providerFetches.WithLabelValues(provider, result).Inc()
	i.providerDuration.WithLabelValues(provider, result).Observe(duration.Seconds())
}

// ObserveBreakerTransition records a circuit breaker state change.
func (i *Instrumentation) ObserveBreakerTransition(client, from, to string) {
	if i == nil {
		return
	}
	i.breakerTransitions.WithLabelValues(client, from, to).Inc()
	i.breakerState.WithLabelValues(client).Set(breakerStateValue(to))
}

func breakerStateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// ObserveListReload records a reload of the list file at path. The list label is the
// file name.
func (i *Instrumentation) ObserveListReload(path string, ranges int, err error) {
	if i == nil {
		return
	}
	list := filepath.Base(path)
	if err != nil {
		i.listReloads.WithLabelValues(list, ERROR).Inc()
		return
	}
	i.listReloads.WithLabelValues(list, OK).Inc()
	i.listRanges.WithLabelValues(list).Set(float64(ranges))
}

// ObserveListSync records a list download.
func (i *Instrumentation) ObserveListSync(job, result string, duration time.Duration) {
	if i == nil {
		return
	}
	i.listSyncs.WithLabelValues(job, result).Inc()
	i.listSyncDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// ObserveGeoLiteRefresh records a database download attempt.
func (i *Instrumentation) ObserveGeoLiteRefresh(database string, err error) {
	if i == nil {
		return
	}
	result := OK
	if err != nil {
		result = ERROR
	}
	i.geoliteRefreshes.WithLabelValues(database, result).Inc()
}
