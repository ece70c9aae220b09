// Package metrics holds the prometheus collectors shared by the tile
// service and the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var TilesServedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "civicmap_tiles_served_total",
	Help: "The total number of vector tiles served",
}, []string{"query_key"})

var IndexBuildsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "civicmap_index_builds_total",
	Help: "The total number of cluster index builds",
}, []string{"query_key", "outcome"})

var IndexBuildDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "civicmap_index_build_duration_seconds",
	Help:    "The amount of time it takes to rebuild a cluster index",
	Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
}, []string{"query_key"})

var SyncRunsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "civicmap_sync_runs_total",
	Help: "The total number of integration sync runs",
}, []string{"app", "outcome"})

var SyncEventsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "civicmap_sync_events_total",
	Help: "The total number of candidates processed by sync runs",
}, []string{"app", "result"}) // result: inserted|updated|invalid|retired

var UpstreamRetriesCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "civicmap_upstream_retries_total",
	Help: "The total number of retried upstream requests",
})
