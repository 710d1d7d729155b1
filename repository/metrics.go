package repository

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsLabelRepository string = "repository"
)

var (
	promCounterForHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resource_cache_hits_total",
		Help: "The total number of get calls served from existing entries",
	}, []string{metricsLabelRepository})

	promCounterForMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resource_cache_misses_total",
		Help: "The total number of get calls that started or joined a production",
	}, []string{metricsLabelRepository})

	promCounterForProductions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resource_cache_productions_total",
		Help: "The total number of producer invocations",
	}, []string{metricsLabelRepository})

	promCounterForProductionNotFound = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resource_cache_production_not_found_total",
		Help: "The total number of productions that reported not found",
	}, []string{metricsLabelRepository})

	promCounterForProductionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resource_cache_production_failures_total",
		Help: "The total number of failed productions",
	}, []string{metricsLabelRepository})

	promCounterForEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resource_cache_evictions_total",
		Help: "The total number of entries destroyed by sweeps",
	}, []string{metricsLabelRepository})

	promCounterForRemovals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resource_cache_removals_total",
		Help: "The total number of entries destroyed by explicit removal",
	}, []string{metricsLabelRepository})

	promGaugeForTotalWeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "resource_cache_total_weight",
		Help: "The current total weight of cached entries",
	}, []string{metricsLabelRepository})

	promGaugeForEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "resource_cache_entries",
		Help: "The current number of cached entries",
	}, []string{metricsLabelRepository})

	promGaugeForLocks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "resource_cache_locks",
		Help: "The current number of outstanding resource locks",
	}, []string{metricsLabelRepository})
)

// repositoryMetrics holds metrics bound to a repository name.
// Repositories sharing a name share the series, gauges report their sum.
type repositoryMetrics struct {
	hits               prometheus.Counter
	misses             prometheus.Counter
	productions        prometheus.Counter
	productionNotFound prometheus.Counter
	productionFailures prometheus.Counter
	evictions          prometheus.Counter
	removals           prometheus.Counter
	totalWeight        prometheus.Gauge
	entries            prometheus.Gauge
	locks              prometheus.Gauge

	// last values reported by this repository
	reportedTotalWeight float64
	reportedEntries     float64
	reportedLocks       float64
}

func newRepositoryMetrics(name string) *repositoryMetrics {
	return &repositoryMetrics{
		hits:               promCounterForHits.WithLabelValues(name),
		misses:             promCounterForMisses.WithLabelValues(name),
		productions:        promCounterForProductions.WithLabelValues(name),
		productionNotFound: promCounterForProductionNotFound.WithLabelValues(name),
		productionFailures: promCounterForProductionFailures.WithLabelValues(name),
		evictions:          promCounterForEvictions.WithLabelValues(name),
		removals:           promCounterForRemovals.WithLabelValues(name),
		totalWeight:        promGaugeForTotalWeight.WithLabelValues(name),
		entries:            promGaugeForEntries.WithLabelValues(name),
		locks:              promGaugeForLocks.WithLabelValues(name),
	}
}

// reportGauges adds changes since the last report to the gauges, must be called with the repository mutex held
func (metrics *repositoryMetrics) reportGauges(totalWeight float64, entries float64, locks float64) {
	metrics.totalWeight.Add(totalWeight - metrics.reportedTotalWeight)
	metrics.entries.Add(entries - metrics.reportedEntries)
	metrics.locks.Add(locks - metrics.reportedLocks)

	metrics.reportedTotalWeight = totalWeight
	metrics.reportedEntries = entries
	metrics.reportedLocks = locks
}
