package memory

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/tiermem/internal/model"
	"github.com/rcliao/tiermem/internal/store"
)

// SweepLongTerm deletes non-template long-term entries last accessed before
// cutoff. Each deletion gets its own timeout; failures are logged and skipped.
// It returns the entries deleted.
func SweepLongTerm(ctx context.Context, st store.Store, cutoff time.Time, itemTimeout time.Duration, zlog *zap.Logger) ([]store.LongTermRef, error) {
	if zlog == nil {
		zlog = zap.NewNop()
	}
	refs, err := st.ExpiredLongTerm(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	var deleted []store.LongTermRef
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		itemCtx, cancel := context.WithTimeout(ctx, itemTimeout)
		err := st.DeleteLongTerm(itemCtx, ref.Hash)
		cancel()
		if err != nil {
			zlog.Warn("reclaim long-term entry", zap.String("owner", ref.Owner), zap.String("key", ref.Key), zap.Error(err))
			continue
		}
		metricLongTermReclaimed.Inc()
		deleted = append(deleted, ref)
	}
	if len(deleted) > 0 {
		zlog.Info("long-term entries reclaimed", zap.Int("count", len(deleted)), zap.Time("cutoff", cutoff))
	}
	return deleted, nil
}

// ReclaimExpired deletes long-term entries not accessed within window
// (the configured expiry when window is zero). Templates are never swept.
// Pending cache-hit accesses are written first so recently read entries survive.
func (m *Manager) ReclaimExpired(ctx context.Context, window time.Duration) (int, error) {
	if window <= 0 {
		window = m.opts.LongTermExpiry
	}
	if err := m.flushTouches(ctx); err != nil {
		m.log.Warn("flush long-term accesses", zap.Error(err))
	}

	deleted, err := SweepLongTerm(ctx, m.store, time.Now().UTC().Add(-window), m.opts.ItemTimeout, m.log)

	m.longMu.Lock()
	for _, ref := range deleted {
		m.cache.remove(cacheKey{owner: ref.Owner, key: ref.Key, tier: model.TierLongTerm})
	}
	m.longMu.Unlock()

	if len(deleted) > 0 {
		m.events.Log(model.CategoryCacheOp, model.SeverityInfo, "long-term entries reclaimed",
			map[string]any{"operation": "reclaim", "count": len(deleted)})
	}
	return len(deleted), err
}

func (m *Manager) noteTouch(k cacheKey, at time.Time) {
	m.touchMu.Lock()
	t := m.touches[k]
	t.hits++
	if at.After(t.at) {
		t.at = at
	}
	m.touches[k] = t
	m.touchMu.Unlock()
}

func (m *Manager) dropTouch(k cacheKey) {
	m.touchMu.Lock()
	delete(m.touches, k)
	m.touchMu.Unlock()
}

// flushTouches writes access counts and times of long-term cache hits.
func (m *Manager) flushTouches(ctx context.Context) error {
	m.touchMu.Lock()
	pending := m.touches
	m.touches = map[cacheKey]touch{}
	m.touchMu.Unlock()

	var errs []error
	for k, t := range pending {
		if err := m.store.TouchLongTerm(ctx, k.owner, k.key, t.at, t.hits); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
