package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/tiermem/internal/memory"
	"github.com/rcliao/tiermem/internal/model"
	"github.com/rcliao/tiermem/internal/namespace"
	"github.com/rcliao/tiermem/internal/store"
)

// ReclaimResult reports one reclamation pass.
type ReclaimResult struct {
	Archived []string          `json:"archived"`
	Skipped  []string          `json:"skipped,omitempty"`
	Failed   map[string]string `json:"failed,omitempty"`
}

// ArchivePath is where the archive of a session is written.
func (r *Registry) ArchivePath(id string) string {
	return filepath.Join(r.archiveDir(), id+".tar.zst")
}

// ReclaimExpired archives completed sessions whose completion is older than
// retention (the configured retention when zero) and deletes their namespaces.
// Passes never overlap. A session that fails is logged, left completed and
// retried on the next pass. Live sessions and sessions being attached are
// skipped; an Attach that arrives during archiving waits for it to finish.
func (r *Registry) ReclaimExpired(ctx context.Context, retention time.Duration) (ReclaimResult, error) {
	r.reclaimMu.Lock()
	defer r.reclaimMu.Unlock()

	res := ReclaimResult{Archived: []string{}, Failed: map[string]string{}}
	if retention <= 0 {
		retention = r.cfg.Session.Retention.Std()
	}
	cutoff := time.Now().UTC().Add(-retention)

	expired, err := r.store.ListSessions(ctx, store.SessionFilter{
		Status:          model.StatusCompleted,
		CompletedBefore: cutoff,
	})
	if err != nil {
		return res, fmt.Errorf("list expired sessions: %w", err)
	}

	for _, m := range expired {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		release, ok := r.claimIdle(m.ID)
		if !ok {
			res.Skipped = append(res.Skipped, m.ID)
			continue
		}
		itemCtx, cancel := context.WithTimeout(ctx, r.itemTimeout())
		err := r.archive(itemCtx, m)
		cancel()
		release()
		if err != nil {
			metricReclaimFailures.Inc()
			r.log.Warn("reclaim session", zap.String("session_id", m.ID), zap.Error(err))
			res.Failed[m.ID] = err.Error()
			continue
		}
		metricSessionsArchived.Inc()
		res.Archived = append(res.Archived, m.ID)
	}

	r.removeArchivedNamespaces(ctx)
	if len(res.Archived) > 0 || len(res.Failed) > 0 {
		r.log.Info("session reclamation finished",
			zap.Int("archived", len(res.Archived)), zap.Int("failed", len(res.Failed)), zap.Duration("retention", retention))
	}
	return res, nil
}

func (r *Registry) itemTimeout() time.Duration {
	if d := r.cfg.Session.ReclaimItemTimeout.Std(); d > 0 {
		return d
	}
	return 30 * time.Second
}

// archive packs a session's namespace, marks it archived and removes the namespace.
func (r *Registry) archive(ctx context.Context, m model.Manifest) error {
	ns := namespace.Namespace{Root: m.Namespace}
	if ns.Exists() {
		size, err := writeArchive(ctx, ns.Root, r.ArchivePath(m.ID))
		if err != nil {
			return fmt.Errorf("write archive: %w", err)
		}
		r.log.Debug("session archived", zap.String("session_id", m.ID), zap.Int64("bytes", size))
	} else {
		r.log.Warn("session namespace missing, archiving record only", zap.String("session_id", m.ID))
	}

	now := time.Now().UTC()
	m.Status = model.StatusArchived
	m.ArchivedAt = &now
	if err := r.store.PutSession(ctx, m); err != nil {
		return fmt.Errorf("mark archived: %w", err)
	}
	if err := os.RemoveAll(ns.Root); err != nil {
		r.log.Warn("remove archived namespace", zap.String("session_id", m.ID), zap.Error(err))
	}
	return nil
}

// removeArchivedNamespaces deletes namespaces left behind by earlier passes.
func (r *Registry) removeArchivedNamespaces(ctx context.Context) {
	archived, err := r.store.ListSessions(ctx, store.SessionFilter{Status: model.StatusArchived})
	if err != nil {
		return
	}
	for _, m := range archived {
		ns := namespace.Namespace{Root: m.Namespace}
		if !ns.Exists() {
			continue
		}
		if err := os.RemoveAll(ns.Root); err != nil {
			r.log.Warn("remove archived namespace", zap.String("session_id", m.ID), zap.Error(err))
		}
	}
}

// SweepLongTerm deletes long-term entries of every session not accessed within
// expiry (the configured expiry when zero). Templates are exempt.
func (r *Registry) SweepLongTerm(ctx context.Context, expiry time.Duration) (int, error) {
	if expiry <= 0 {
		expiry = r.cfg.Memory.LongTermExpiry.Std()
	}
	deleted, err := memory.SweepLongTerm(ctx, r.store, time.Now().UTC().Add(-expiry), r.itemTimeout(), r.log)
	return len(deleted), err
}

func (r *Registry) reclaimLoop(immediate bool, interval time.Duration) {
	defer close(r.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-r.stop
		cancel()
	}()

	pass := func() {
		if _, err := r.ReclaimExpired(ctx, 0); err != nil && ctx.Err() == nil {
			r.log.Warn("session reclamation", zap.Error(err))
		}
		if _, err := r.SweepLongTerm(ctx, 0); err != nil && ctx.Err() == nil {
			r.log.Warn("long-term sweep", zap.Error(err))
		}
	}
	if immediate {
		pass()
	}
	if interval <= 0 {
		<-r.stop
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			pass()
		}
	}
}
