package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	promCounterForFetch = promauto.NewCounter(prometheus.CounterOpts{
		Name: "resource_cache_service_fetch_ops_total",
		Help: "The total number of fetch calls",
	})

	promCounterForFetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "resource_cache_service_fetch_failures_total",
		Help: "The total number of failed fetch calls",
	})

	promCounterForList = promauto.NewCounter(prometheus.CounterOpts{
		Name: "resource_cache_service_list_ops_total",
		Help: "The total number of list calls",
	})

	promCounterForRemove = promauto.NewCounter(prometheus.CounterOpts{
		Name: "resource_cache_service_remove_ops_total",
		Help: "The total number of remove and clear calls",
	})

	promCounterForSweep = promauto.NewCounter(prometheus.CounterOpts{
		Name: "resource_cache_service_sweep_ops_total",
		Help: "The total number of periodic sweeps",
	})
)
