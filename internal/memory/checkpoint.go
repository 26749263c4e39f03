package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rcliao/tiermem/internal/model"
	"github.com/rcliao/tiermem/internal/namespace"
)

// Checkpoint is a saved copy of a session's short_term, shared and working entries.
type Checkpoint struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	SessionID string        `json:"session_id"`
	CreatedAt time.Time     `json:"created_at"`
	Entries   []model.Entry `json:"entries"`
}

// CheckpointInfo describes a checkpoint without its entries.
type CheckpointInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Entries   int       `json:"entries"`
}

// Checkpoint saves the session-scoped tiers under a new checkpoint id.
func (m *Manager) Checkpoint(ctx context.Context, name string) (CheckpointInfo, error) {
	cp := Checkpoint{
		ID:        ulid.Make().String(),
		Name:      name,
		SessionID: m.sessionID,
		CreatedAt: time.Now().UTC(),
	}
	for _, tier := range []model.Tier{model.TierShortTerm, model.TierShared} {
		mu := m.tierLock(tier)
		mu.Lock()
		entries, err := m.listFileTier(tier, "")
		mu.Unlock()
		if err != nil {
			return CheckpointInfo{}, fmt.Errorf("list %s: %w", tier, err)
		}
		cp.Entries = append(cp.Entries, entries...)
	}
	cp.Entries = append(cp.Entries, m.workingEntries("")...)

	data, err := json.Marshal(cp)
	if err != nil {
		return CheckpointInfo{}, fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := namespace.WriteFileAtomic(m.checkpointPath(cp.ID), data); err != nil {
		return CheckpointInfo{}, fmt.Errorf("write checkpoint: %w", err)
	}
	m.events.Log(model.CategoryLifecycle, model.SeverityInfo, "checkpoint saved",
		map[string]any{"checkpoint_id": cp.ID, "name": name, "entries": len(cp.Entries)})
	return CheckpointInfo{ID: cp.ID, Name: name, CreatedAt: cp.CreatedAt, Entries: len(cp.Entries)}, nil
}

// RestoreCheckpoint stores every entry of a checkpoint again and returns how many were restored.
// Entries written after the checkpoint are left in place.
func (m *Manager) RestoreCheckpoint(ctx context.Context, id string) (int, error) {
	cp, err := m.readCheckpoint(id)
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, e := range cp.Entries {
		if err := m.Store(ctx, e.Owner, e.Key, e.Value, e.Tier); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	m.events.Log(model.CategoryLifecycle, model.SeverityInfo, "checkpoint restored",
		map[string]any{"checkpoint_id": id, "entries": n})
	return n, errors.Join(errs...)
}

// ListCheckpoints returns the session's checkpoints, newest first.
func (m *Manager) ListCheckpoints() ([]CheckpointInfo, error) {
	paths, err := filepath.Glob(filepath.Join(m.ns.CheckpointsDir(), "*.json"))
	if err != nil {
		return nil, err
	}
	out := make([]CheckpointInfo, 0, len(paths))
	for _, p := range paths {
		cp, err := m.readCheckpoint(strings.TrimSuffix(filepath.Base(p), ".json"))
		if err != nil {
			continue
		}
		out = append(out, CheckpointInfo{ID: cp.ID, Name: cp.Name, CreatedAt: cp.CreatedAt, Entries: len(cp.Entries)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *Manager) checkpointPath(id string) string {
	return filepath.Join(m.ns.CheckpointsDir(), filepath.Base(id)+".json")
}

func (m *Manager) readCheckpoint(id string) (Checkpoint, error) {
	var cp Checkpoint
	data, err := os.ReadFile(m.checkpointPath(id))
	if err != nil {
		return cp, fmt.Errorf("read checkpoint %s: %w", id, err)
	}
	if err := json.Unmarshal(data, &cp); err != nil {
		return cp, fmt.Errorf("decode checkpoint %s: %w", id, err)
	}
	return cp, nil
}
