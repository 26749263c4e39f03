package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"7d", 7 * 24 * time.Hour},
		{"24h", 24 * time.Hour},
		{"30m", 30 * time.Minute},
		{"60s", time.Minute},
		{"1h30m", 90 * time.Minute},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if err != nil {
			t.Fatalf("ParseDuration(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := ParseDuration("seven days"); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.EventLog.QueueSize != 1000 || cfg.EventLog.BatchSize != 100 {
		t.Errorf("unexpected eventlog defaults: %+v", cfg.EventLog)
	}
	if cfg.Memory.CacheSize != 100 {
		t.Errorf("expected cache size 100, got %d", cfg.Memory.CacheSize)
	}
	if cfg.Session.Retention.Std() != 7*24*time.Hour {
		t.Errorf("expected 7d retention, got %v", cfg.Session.Retention)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TIERMEM_TEST_QUEUE", "42")
	t.Setenv("TIERMEM_ROOT", "")

	path := filepath.Join(dir, "tiermem.yaml")
	data := `
root: ` + dir + `
session:
  retention: 3d
eventlog:
  queue_size: ${TIERMEM_TEST_QUEUE}
  flush_interval: ${TIERMEM_TEST_UNSET:250ms}
memory:
  template_threshold: 90
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Root != dir {
		t.Errorf("expected root %q, got %q", dir, cfg.Root)
	}
	if cfg.EventLog.QueueSize != 42 {
		t.Errorf("expected queue 42, got %d", cfg.EventLog.QueueSize)
	}
	if cfg.EventLog.FlushInterval.Std() != 250*time.Millisecond {
		t.Errorf("expected default substitution 250ms, got %v", cfg.EventLog.FlushInterval)
	}
	if cfg.Session.Retention.Std() != 72*time.Hour {
		t.Errorf("expected 3d retention, got %v", cfg.Session.Retention)
	}
	// untouched fields keep defaults
	if cfg.EventLog.BatchSize != 100 {
		t.Errorf("expected batch default 100, got %d", cfg.EventLog.BatchSize)
	}
	if cfg.Memory.TemplateThreshold != 90 {
		t.Errorf("expected threshold 90, got %v", cfg.Memory.TemplateThreshold)
	}
}

func TestRootEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TIERMEM_ROOT", dir)
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Root != dir {
		t.Errorf("expected root override %q, got %q", dir, cfg.Root)
	}
}

func TestValidateRejectsBadWeights(t *testing.T) {
	cfg := Default()
	cfg.Memory.Weights = WeightsConfig{}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero weights")
	}
}
