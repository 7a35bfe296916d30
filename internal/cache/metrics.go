package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	promCounterForRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imgcache_requests_total",
		Help: "The total number of resolve calls by result source",
	}, []string{"source"})

	promCounterForDownloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imgcache_downloads_total",
		Help: "The total number of remote downloads",
	})

	promCounterForDownloadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imgcache_download_failures_total",
		Help: "The total number of failed remote downloads",
	})

	promCounterForEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imgcache_evicted_entries_total",
		Help: "The total number of entries removed by size eviction",
	})

	promCounterForEvictedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imgcache_evicted_bytes_total",
		Help: "The total number of bytes released by size eviction",
	})

	promCounterForClears = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imgcache_clear_total",
		Help: "The total number of full cache clears",
	})

	promGaugeForCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imgcache_cache_size_bytes",
		Help: "The aggregate size recorded in metadata",
	})
)
