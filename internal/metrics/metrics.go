// Package metrics holds the Prometheus collectors exported on /-/metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var HttpResponses = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "media_cache_http_responses_total",
}, []string{"method", "route", "statusCode"})
var HttpResponseTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Name: "media_cache_http_response_time_seconds",
}, []string{"method", "route"})
var CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "media_cache_hits_total",
}, []string{"operation"})
var CacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "media_cache_misses_total",
}, []string{"operation"})
var Uncacheable = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "media_cache_uncacheable_total",
})
var Downloads = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "media_cache_downloads_total",
}, []string{"result"})
var DownloadedBytes = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "media_cache_downloaded_bytes_total",
})
var Evictions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "media_cache_evictions_total",
}, []string{"reason"})
var IndexFlushes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "media_cache_index_flushes_total",
}, []string{"mode", "result"})
var Entries = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "media_cache_entries",
})

// Download results.
const (
	ResultStored   = "stored"
	ResultSoftMiss = "soft_miss"
	ResultFailed   = "failed"
	ResultShared   = "shared"
)

func init() {
	prometheus.MustRegister(HttpResponses)
	prometheus.MustRegister(HttpResponseTime)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(Uncacheable)
	prometheus.MustRegister(Downloads)
	prometheus.MustRegister(DownloadedBytes)
	prometheus.MustRegister(Evictions)
	prometheus.MustRegister(IndexFlushes)
	prometheus.MustRegister(Entries)
}
