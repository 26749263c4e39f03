package session

import (
	"context"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rcliao/tiermem/internal/eventlog"
	"github.com/rcliao/tiermem/internal/store"
)

var (
	metricSessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tiermem",
		Subsystem: "session",
		Name:      "created_total",
		Help:      "Sessions created.",
	})
	metricSessionsArchived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tiermem",
		Subsystem: "session",
		Name:      "archived_total",
		Help:      "Sessions archived by reclamation.",
	})
	metricReclaimFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tiermem",
		Subsystem: "session",
		Name:      "reclaim_failures_total",
		Help:      "Sessions that failed to archive and were left for the next pass.",
	})
)

// Stats aggregates the registry's index with process-local figures.
type Stats struct {
	*store.Stats
	LiveSessions   int   `json:"live_sessions"`
	ProcessDropped int64 `json:"process_dropped_events"`
	Archives       int   `json:"archives"`
	ArchiveBytes   int64 `json:"archive_bytes"`
}

// Stats summarizes every session known to the registry.
func (r *Registry) Stats(ctx context.Context) (*Stats, error) {
	st, err := r.store.Stats(ctx, r.dbPath)
	if err != nil {
		return nil, err
	}
	out := &Stats{Stats: st, ProcessDropped: eventlog.DroppedTotal()}

	r.mu.Lock()
	out.LiveSessions = len(r.live)
	r.mu.Unlock()

	archives, _ := filepath.Glob(filepath.Join(r.archiveDir(), "*.tar.zst"))
	for _, a := range archives {
		if info, err := os.Stat(a); err == nil {
			out.Archives++
			out.ArchiveBytes += info.Size()
		}
	}
	return out, nil
}
