// Package config loads tiermem configuration from YAML with environment substitution.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure.
type Config struct {
	Root     string         `yaml:"root"`
	Log      LogConfig      `yaml:"log"`
	Session  SessionConfig  `yaml:"session"`
	EventLog EventLogConfig `yaml:"eventlog"`
	Memory   MemoryConfig   `yaml:"memory"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type SessionConfig struct {
	Retention          Duration `yaml:"retention"`
	ReclaimInterval    Duration `yaml:"reclaim_interval"`
	ReclaimItemTimeout Duration `yaml:"reclaim_item_timeout"`
	ReclaimOnOpen      bool     `yaml:"reclaim_on_open"`
}

type EventLogConfig struct {
	QueueSize     int      `yaml:"queue_size"`
	BatchSize     int      `yaml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval"`
	PollInterval  Duration `yaml:"poll_interval"`
	ShutdownGrace Duration `yaml:"shutdown_grace"`
	Fsync         bool     `yaml:"fsync"`
}

type MemoryConfig struct {
	CacheSize         int            `yaml:"cache_size"`
	LongTermExpiry    Duration       `yaml:"long_term_expiry"`
	TemplateThreshold float64        `yaml:"template_threshold"`
	Weights           WeightsConfig  `yaml:"weights"`
	Audience          AudienceConfig `yaml:"audience"`
}

type WeightsConfig struct {
	Category float64 `yaml:"category"`
	Tags     float64 `yaml:"tags"`
	Audience float64 `yaml:"audience"`
}

// AudienceConfig selects the audience comparator: "tokens" (default), "ollama" or "openai".
type AudienceConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	URL      string `yaml:"url"`
	APIKey   string `yaml:"api_key"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Root: defaultRoot(),
		Log:  LogConfig{Level: "info"},
		Session: SessionConfig{
			Retention:          Duration(7 * 24 * time.Hour),
			ReclaimInterval:    Duration(time.Hour),
			ReclaimItemTimeout: Duration(30 * time.Second),
			ReclaimOnOpen:      true,
		},
		EventLog: EventLogConfig{
			QueueSize:     1000,
			BatchSize:     100,
			FlushInterval: Duration(time.Second),
			PollInterval:  Duration(100 * time.Millisecond),
			ShutdownGrace: Duration(5 * time.Second),
			Fsync:         true,
		},
		Memory: MemoryConfig{
			CacheSize:         100,
			LongTermExpiry:    Duration(30 * 24 * time.Hour),
			TemplateThreshold: 85,
			Weights:           WeightsConfig{Category: 0.4, Tags: 0.4, Audience: 0.2},
			Audience:          AudienceConfig{Provider: "tokens"},
		},
	}
}

func defaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tiermem"
	}
	return filepath.Join(home, ".tiermem")
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a YAML config file on top of Default and applies env overrides.
// An empty path yields the defaults with overrides applied.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := Parse(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

// Parse substitutes ${VAR} references and decodes YAML into cfg.
// Fields absent from data keep their current values.
func Parse(data []byte, cfg *Config) error {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})
	return yaml.Unmarshal([]byte(resolved), cfg)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TIERMEM_ROOT"); v != "" {
		cfg.Root = v
	}
	if v := os.Getenv("TIERMEM_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate rejects configurations the subsystem cannot run with.
func (c Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("root is required")
	}
	if c.EventLog.QueueSize <= 0 {
		return fmt.Errorf("eventlog.queue_size must be positive, got %d", c.EventLog.QueueSize)
	}
	if c.EventLog.BatchSize <= 0 {
		return fmt.Errorf("eventlog.batch_size must be positive, got %d", c.EventLog.BatchSize)
	}
	if c.Memory.CacheSize <= 0 {
		return fmt.Errorf("memory.cache_size must be positive, got %d", c.Memory.CacheSize)
	}
	w := c.Memory.Weights
	if w.Category < 0 || w.Tags < 0 || w.Audience < 0 || w.Category+w.Tags+w.Audience == 0 {
		return fmt.Errorf("memory.weights must be non-negative with a positive sum")
	}
	return nil
}

// Duration is a time.Duration that also accepts a day suffix ("7d").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML decodes "7d", "24h", "1h30m" and similar strings.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML encodes the duration in Go notation.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

var dayRe = regexp.MustCompile(`^(\d+)d$`)

// ParseDuration parses durations like "7d", "24h", "30m" or "60s".
func ParseDuration(s string) (time.Duration, error) {
	if m := dayRe.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q (use e.g. 7d, 24h, 30m, 60s)", s)
	}
	return d, nil
}
