package memory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tiermem",
		Subsystem: "memory",
		Name:      "cache_hits_total",
		Help:      "Retrievals served from the LRU cache.",
	})
	metricCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tiermem",
		Subsystem: "memory",
		Name:      "cache_misses_total",
		Help:      "Retrievals that went to the backing tier.",
	})
	metricCorruptEntries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tiermem",
		Subsystem: "memory",
		Name:      "corrupt_entries_total",
		Help:      "Persisted entries that failed to decode or verify.",
	})
	metricLongTermReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tiermem",
		Subsystem: "memory",
		Name:      "longterm_reclaimed_total",
		Help:      "Expired long-term entries deleted by reclamation.",
	})
)
