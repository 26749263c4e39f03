package namespace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCreateIsExclusive(t *testing.T) {
	ns := For(t.TempDir(), "abc")
	if err := ns.Create(); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, dir := range []string{ns.LogsDir(), ns.OwnerLogsDir(), ns.MemoryDir(), ns.CheckpointsDir()} {
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("expected %s to exist: %v", dir, err)
		}
	}
	if err := ns.Create(); err == nil {
		t.Error("expected second create to fail")
	}
}

func TestSafeName(t *testing.T) {
	a := SafeName("agent/one")
	b := SafeName("agent_one")
	if a == b {
		t.Errorf("expected distinct names, both %q", a)
	}
	if strings.ContainsAny(a, `/\ `) {
		t.Errorf("unsafe characters in %q", a)
	}
	if SafeName("agent/one") != a {
		t.Error("expected SafeName to be deterministic")
	}
}

func TestEntryPathSeparatesTiersAndOwners(t *testing.T) {
	ns := For("/tmp/x", "s1")
	paths := map[string]bool{
		ns.EntryPath("short_term", "a", "k"): true,
		ns.EntryPath("short_term", "b", "k"): true,
		ns.EntryPath("shared", "a", "k"):     true,
	}
	if len(paths) != 3 {
		t.Errorf("expected 3 distinct paths, got %d", len(paths))
	}
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "f.json")
	if err := WriteFileAtomic(path, []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(path, []byte("two")); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "two" {
		t.Errorf("expected 'two', got %q", got)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("expected temp files cleaned up, found %d entries", len(entries))
	}
}
