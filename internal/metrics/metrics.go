// Package metrics exposes the small counter/gauge set SPEC_FULL.md's
// supplemented-features section calls for, published via
// github.com/prometheus/client_golang, per cartographus's
// internal/metrics/metrics.go promauto shape — the pack's only metrics
// consumer, adopted here rather than a stdlib expvar rendition once a pack
// repo already covers the concern.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SocketsConnected is the current count of open gateway sockets.
	SocketsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "familycore_sockets_connected",
		Help: "Current number of open gateway websocket connections.",
	})

	// LocationsIngested counts successful location.Service.Ingest calls.
	LocationsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "familycore_locations_ingested_total",
		Help: "Total number of location samples successfully ingested.",
	})

	// CacheHits and CacheMisses track the read-through cache's hit rate.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "familycore_cache_hits_total",
		Help: "Total number of C3 read-through cache hits.",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "familycore_cache_misses_total",
		Help: "Total number of C3 read-through cache misses.",
	})
)
