// Package cli implements the tiermem CLI commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rcliao/tiermem/internal/config"
	"github.com/rcliao/tiermem/internal/session"
)

var (
	configPath string
	rootFlag   string
	formatFlag string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "tiermem",
	Short: "Session-scoped logging and tiered memory for agent workflows",
	Long: "Operate the tiermem store: create and complete sessions, write and follow " +
		"session event logs, read and write tiered memory, and manage templates. JSON out.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $TIERMEM_CONFIG or <root>/tiermem.yaml)")
	RootCmd.PersistentFlags().StringVarP(&rootFlag, "root", "r", "", "Data root (default: $TIERMEM_ROOT or ~/.tiermem)")
	RootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "json", "Output format: json or text")
}

// loadConfig resolves the config file and applies the root flag.
func loadConfig() config.Config {
	path := configPath
	if path == "" {
		path = os.Getenv("TIERMEM_CONFIG")
	}
	if path == "" {
		root := rootFlag
		if root == "" {
			root = os.Getenv("TIERMEM_ROOT")
		}
		if root == "" {
			root = config.Default().Root
		}
		if candidate := filepath.Join(root, "tiermem.yaml"); fileExists(candidate) {
			path = candidate
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		exitErr("load config", err)
	}
	if rootFlag != "" {
		cfg.Root = rootFlag
	}
	return cfg
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// newLogger builds the process diagnostics logger. It writes to stderr so
// command output on stdout stays machine-readable.
func newLogger(c config.LogConfig) *zap.Logger {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	if lvl, err := zapcore.ParseLevel(c.Level); err == nil {
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	l, err := zc.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// openRegistry opens the registry for one command. One-shot commands never
// reclaim in the background; `session reclaim` does that work explicitly.
func openRegistry(ctx context.Context) (*session.Registry, config.Config) {
	cfg := loadConfig()
	log := newLogger(cfg.Log)
	cfg.Session.ReclaimInterval = 0
	cfg.Session.ReclaimOnOpen = false
	reg, err := session.Open(ctx, cfg, log)
	if err != nil {
		exitErr("open registry", err)
	}
	return reg, cfg
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func textFormat() bool { return formatFlag == "text" }

// readValue takes the value from positional args, or from stdin when piped.
func readValue(args []string) []byte {
	b, err := readValueFrom(args, os.Stdin)
	if err != nil {
		exitErr("read stdin", err)
	}
	return b
}

// readValueFrom returns nil when in is a terminal, closed or unreadable.
func readValueFrom(args []string, in *os.File) ([]byte, error) {
	if len(args) > 0 {
		return []byte(strings.Join(args, " ")), nil
	}
	if in == nil {
		return nil, nil
	}
	stat, err := in.Stat()
	if err != nil || stat.Mode()&os.ModeCharDevice != 0 {
		return nil, nil
	}
	return io.ReadAll(in)
}

func splitTags(s string) []string {
	var tags []string
	for _, t := range strings.Split(s, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
