package memory

import (
	"context"
	"sort"

	"github.com/rcliao/tiermem/internal/model"
)

// Snapshot returns what owner can currently see in the session: its own
// short_term and working entries and every shared entry. Long-term entries are
// global and read individually.
func (m *Manager) Snapshot(ctx context.Context, owner string) (map[model.Tier][]model.Entry, error) {
	out := map[model.Tier][]model.Entry{}

	m.shortMu.Lock()
	short, err := m.listFileTier(model.TierShortTerm, owner)
	m.shortMu.Unlock()
	if err != nil {
		return nil, err
	}
	m.sharedMu.Lock()
	shared, err := m.listFileTier(model.TierShared, "")
	m.sharedMu.Unlock()
	if err != nil {
		return nil, err
	}

	if len(short) > 0 {
		out[model.TierShortTerm] = short
	}
	if len(shared) > 0 {
		out[model.TierShared] = shared
	}
	if w := m.workingEntries(owner); len(w) > 0 {
		out[model.TierWorking] = w
	}
	return out, nil
}

// workingEntries copies the working tier, for one owner or all when owner is empty.
func (m *Manager) workingEntries(owner string) []model.Entry {
	m.workingMu.Lock()
	defer m.workingMu.Unlock()

	var out []model.Entry
	for o, entries := range m.working {
		if owner != "" && o != owner {
			continue
		}
		for _, e := range entries {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Owner != out[j].Owner {
			return out[i].Owner < out[j].Owner
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Stats are the manager's counters.
type Stats struct {
	SessionID      string `json:"session_id"`
	Working        int    `json:"working"`
	ShortTerm      int    `json:"short_term"`
	Shared         int    `json:"shared"`
	CacheLen       int    `json:"cache_len"`
	CacheCap       int    `json:"cache_cap"`
	CacheHits      int64  `json:"cache_hits"`
	CacheMisses    int64  `json:"cache_misses"`
	Corrupt        int64  `json:"corrupt"`
	PendingTouches int    `json:"pending_touches"`
}

// Stats counts entries per session tier and reports cache activity.
func (m *Manager) Stats() Stats {
	s := Stats{
		SessionID:   m.sessionID,
		Working:     len(m.workingEntries("")),
		CacheLen:    m.cache.len(),
		CacheCap:    m.cache.size,
		CacheHits:   m.cache.hits.Load(),
		CacheMisses: m.cache.misses.Load(),
		Corrupt:     m.corrupt.Load(),
	}
	if es, err := m.listFileTier(model.TierShortTerm, ""); err == nil {
		s.ShortTerm = len(es)
	}
	if es, err := m.listFileTier(model.TierShared, ""); err == nil {
		s.Shared = len(es)
	}
	m.touchMu.Lock()
	s.PendingTouches = len(m.touches)
	m.touchMu.Unlock()
	return s
}
