package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rcliao/tiermem/internal/model"
	"github.com/rcliao/tiermem/internal/namespace"
	"github.com/rcliao/tiermem/internal/store"
)

// writeFileEntry persists a short_term or shared entry in the session
// namespace, keeping the creation time of the entry it replaces.
func (m *Manager) writeFileEntry(e *model.Entry) error {
	path := m.ns.EntryPath(string(e.Tier), e.Owner, e.Key)
	if prev, err := decodeEntryFile(path); err == nil && prev.Owner == e.Owner && prev.Key == e.Key {
		e.CreatedAt = prev.CreatedAt
	}
	e.Checksum = store.Checksum(e.Value)

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	return namespace.WriteFileAtomic(path, data)
}

// readFileEntry loads a short_term or shared entry. It returns errMissing when
// there is no file and errCorrupt when the file does not hold the requested entry intact.
func (m *Manager) readFileEntry(owner, key string, tier model.Tier) (model.Entry, error) {
	e, err := decodeEntryFile(m.ns.EntryPath(string(tier), owner, key))
	if err != nil {
		return e, err
	}
	if e.Owner != owner || e.Key != key || e.Tier != tier {
		return e, fmt.Errorf("%w: entry file holds %s/%s in %s", errCorrupt, e.Owner, e.Key, e.Tier)
	}
	return e, nil
}

func decodeEntryFile(path string) (model.Entry, error) {
	var e model.Entry
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return e, errMissing
	}
	if err != nil {
		return e, err
	}
	if err := json.Unmarshal(data, &e); err != nil {
		return e, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	if store.Checksum(e.Value) != e.Checksum {
		return e, fmt.Errorf("%w: checksum mismatch", errCorrupt)
	}
	return e, nil
}

// listFileTier returns the intact entries of a file tier, optionally for one
// owner only, sorted by owner then key. Corrupt files are skipped.
func (m *Manager) listFileTier(tier model.Tier, owner string) ([]model.Entry, error) {
	pattern := filepath.Join(m.ns.MemoryDir(), string(tier), "*", "*.json")
	if owner != "" {
		pattern = filepath.Join(m.ns.TierDir(string(tier), owner), "*.json")
	}
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	out := make([]model.Entry, 0, len(paths))
	for _, p := range paths {
		e, err := decodeEntryFile(p)
		if err != nil {
			continue
		}
		if owner != "" && e.Owner != owner {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Owner != out[j].Owner {
			return out[i].Owner < out[j].Owner
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}
