package eventlog

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricEventsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tiermem",
		Subsystem: "eventlog",
		Name:      "events_persisted_total",
		Help:      "Events written to session streams.",
	})
	metricEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tiermem",
		Subsystem: "eventlog",
		Name:      "events_dropped_total",
		Help:      "Events dropped because the queue was full or the logger was closed.",
	})
	metricFlushErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tiermem",
		Subsystem: "eventlog",
		Name:      "flush_errors_total",
		Help:      "Batches discarded after a failed write and retry.",
	})
)

var droppedTotal atomic.Int64

// DroppedTotal returns the number of events dropped by every logger in the process.
func DroppedTotal() int64 { return droppedTotal.Load() }
