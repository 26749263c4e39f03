// Package namespace lays out the private storage directory owned by one session.
package namespace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// Namespace is the directory tree owned by exactly one session.
//
//	<root>/sessions/<id>/
//	  manifest.json
//	  logs/events.jsonl
//	  logs/owners/<owner>.jsonl
//	  memory/<tier>/<owner>/<key-hash>.json
//	  memory/checkpoints/<id>.json
type Namespace struct {
	Root string
}

// For returns the namespace of session id under the sessions directory.
func For(sessionsDir, id string) Namespace {
	return Namespace{Root: filepath.Join(sessionsDir, id)}
}

// Create makes the namespace directories. The root must not already exist.
func (n Namespace) Create() error {
	if err := os.Mkdir(n.Root, 0o755); err != nil {
		return fmt.Errorf("create namespace: %w", err)
	}
	return n.Ensure()
}

// Ensure creates any missing namespace directories.
func (n Namespace) Ensure() error {
	for _, dir := range []string{n.LogsDir(), n.OwnerLogsDir(), n.MemoryDir(), n.CheckpointsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// Exists reports whether the namespace root is present on disk.
func (n Namespace) Exists() bool {
	info, err := os.Stat(n.Root)
	return err == nil && info.IsDir()
}

func (n Namespace) ManifestPath() string   { return filepath.Join(n.Root, "manifest.json") }
func (n Namespace) LogsDir() string        { return filepath.Join(n.Root, "logs") }
func (n Namespace) EventLogPath() string   { return filepath.Join(n.LogsDir(), "events.jsonl") }
func (n Namespace) OwnerLogsDir() string   { return filepath.Join(n.LogsDir(), "owners") }
func (n Namespace) MemoryDir() string      { return filepath.Join(n.Root, "memory") }
func (n Namespace) CheckpointsDir() string { return filepath.Join(n.MemoryDir(), "checkpoints") }

// OwnerLogPath is the per-owner event stream file.
func (n Namespace) OwnerLogPath(owner string) string {
	return filepath.Join(n.OwnerLogsDir(), SafeName(owner)+".jsonl")
}

// TierDir is the directory holding one owner's entries for a persisted tier.
func (n Namespace) TierDir(tier, owner string) string {
	return filepath.Join(n.MemoryDir(), tier, SafeName(owner))
}

// EntryPath is the file of a single (owner, key, tier) entry.
func (n Namespace) EntryPath(tier, owner, key string) string {
	return filepath.Join(n.TierDir(tier, owner), Hash(key)+".json")
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// SafeName maps an arbitrary identifier to a collision-resistant file name.
func SafeName(s string) string {
	clean := unsafeChars.ReplaceAllString(s, "_")
	if len(clean) > 48 {
		clean = clean[:48]
	}
	return clean + "-" + Hash(s)[:12]
}

// Hash is the hex sha256 of s.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// WriteFileAtomic writes data to a temp file in the same directory and renames it over path.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
