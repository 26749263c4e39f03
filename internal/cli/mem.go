package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/tiermem/internal/config"
	"github.com/rcliao/tiermem/internal/model"
	"github.com/rcliao/tiermem/internal/session"
)

func init() {
	memCmd := &cobra.Command{
		Use:   "mem",
		Short: "Read and write tiered session memory",
		Long: "Read and write tiered memory of a session. The working tier lives only " +
			"in process memory, so a working entry does not outlive one command.",
	}

	putCmd := &cobra.Command{
		Use:   "put <session-id> <key> [value]",
		Short: "Store a value (reads stdin if no value given)",
		Args:  cobra.MinimumNArgs(2),
		Run:   runMemPut,
	}
	putCmd.Flags().StringP("owner", "o", "", "Owning agent (required)")
	putCmd.Flags().StringP("tier", "t", string(model.TierShortTerm), "Tier: short_term, long_term, working or shared")
	putCmd.MarkFlagRequired("owner")

	getCmd := &cobra.Command{
		Use:   "get <session-id> <key>",
		Short: "Retrieve a value",
		Args:  cobra.ExactArgs(2),
		Run:   runMemGet,
	}
	getCmd.Flags().StringP("owner", "o", "", "Owning agent (required)")
	getCmd.Flags().StringP("tier", "t", string(model.TierShortTerm), "Tier: short_term, long_term, working or shared")
	getCmd.MarkFlagRequired("owner")

	clearCmd := &cobra.Command{
		Use:   "clear-working <session-id>",
		Short: "Drop an owner's working entries",
		Args:  cobra.ExactArgs(1),
		Run:   runMemClearWorking,
	}
	clearCmd.Flags().StringP("owner", "o", "", "Owning agent (required)")
	clearCmd.MarkFlagRequired("owner")

	snapshotCmd := &cobra.Command{
		Use:   "snapshot <session-id>",
		Short: "Show every session-scoped entry visible to an owner",
		Args:  cobra.ExactArgs(1),
		Run:   runMemSnapshot,
	}
	snapshotCmd.Flags().StringP("owner", "o", "", "Owning agent (required)")
	snapshotCmd.MarkFlagRequired("owner")

	reclaimCmd := &cobra.Command{
		Use:   "reclaim <session-id>",
		Short: "Delete long-term entries not accessed within the window",
		Args:  cobra.ExactArgs(1),
		Run:   runMemReclaim,
	}
	reclaimCmd.Flags().String("window", "", "Expiry window, e.g. 30d (default from config)")

	checkpointCmd := &cobra.Command{
		Use:   "checkpoint <session-id> [name]",
		Short: "Save the session-scoped tiers to a checkpoint, or list checkpoints with --list",
		Args:  cobra.RangeArgs(1, 2),
		Run:   runMemCheckpoint,
	}
	checkpointCmd.Flags().Bool("list", false, "List checkpoints instead of creating one")

	restoreCmd := &cobra.Command{
		Use:   "restore <session-id> <checkpoint-id>",
		Short: "Restore a checkpoint into the session",
		Args:  cobra.ExactArgs(2),
		Run:   runMemRestore,
	}

	memCmd.AddCommand(putCmd, getCmd, clearCmd, snapshotCmd, reclaimCmd, checkpointCmd, restoreCmd)
	RootCmd.AddCommand(memCmd)
}

// attach opens the registry and a live handle for one session.
func attach(cmd *cobra.Command, id string) (*session.Registry, *session.Handle) {
	reg, _ := openRegistry(cmd.Context())
	h, err := reg.Attach(cmd.Context(), id)
	if err != nil {
		reg.Close()
		exitErr("attach session", err)
	}
	return reg, h
}

func tierFlag(cmd *cobra.Command) model.Tier {
	t, _ := cmd.Flags().GetString("tier")
	tier := model.Tier(t)
	if !model.ValidTiers[tier] {
		exitErr("parse tier", fmt.Errorf("invalid tier %q", t))
	}
	return tier
}

func runMemPut(cmd *cobra.Command, args []string) {
	owner, _ := cmd.Flags().GetString("owner")
	tier := tierFlag(cmd)
	value := readValue(args[2:])
	if value == nil {
		exitErr("put", fmt.Errorf("no value: pass it as an argument or pipe it on stdin"))
	}

	reg, h := attach(cmd, args[0])
	defer reg.Close()

	if err := h.Memory.Store(cmd.Context(), owner, args[1], value, tier); err != nil {
		exitErr("store", err)
	}
	fmt.Printf(`{"ok":true,"owner":%q,"key":%q,"tier":%q,"size":%d}`+"\n", owner, args[1], tier, len(value))
}

func runMemGet(cmd *cobra.Command, args []string) {
	owner, _ := cmd.Flags().GetString("owner")
	tier := tierFlag(cmd)

	reg, h := attach(cmd, args[0])
	defer reg.Close()

	value, ok := h.Memory.Retrieve(cmd.Context(), owner, args[1], tier)
	if !ok {
		reg.Close()
		fmt.Fprintf(os.Stderr, "error: %s/%s not found in %s\n", owner, args[1], tier)
		os.Exit(1)
	}
	if textFormat() {
		os.Stdout.Write(value)
		return
	}
	printJSON(map[string]any{"owner": owner, "key": args[1], "tier": tier, "value": string(value)})
}

func runMemClearWorking(cmd *cobra.Command, args []string) {
	owner, _ := cmd.Flags().GetString("owner")

	reg, h := attach(cmd, args[0])
	defer reg.Close()

	n := h.Memory.ClearWorking(owner)
	fmt.Printf(`{"ok":true,"cleared":%d}`+"\n", n)
}

func runMemSnapshot(cmd *cobra.Command, args []string) {
	owner, _ := cmd.Flags().GetString("owner")

	reg, h := attach(cmd, args[0])
	defer reg.Close()

	snap, err := h.Memory.Snapshot(cmd.Context(), owner)
	if err != nil {
		exitErr("snapshot", err)
	}
	printJSON(snap)
}

func runMemReclaim(cmd *cobra.Command, args []string) {
	windowStr, _ := cmd.Flags().GetString("window")

	reg, h := attach(cmd, args[0])
	defer reg.Close()

	window := reg.Config().Memory.LongTermExpiry.Std()
	if windowStr != "" {
		d, err := config.ParseDuration(windowStr)
		if err != nil {
			exitErr("parse window", err)
		}
		window = d
	}

	n, err := h.Memory.ReclaimExpired(cmd.Context(), window)
	if err != nil {
		exitErr("reclaim", err)
	}
	fmt.Printf(`{"ok":true,"deleted":%d}`+"\n", n)
}

func runMemCheckpoint(cmd *cobra.Command, args []string) {
	list, _ := cmd.Flags().GetBool("list")

	reg, h := attach(cmd, args[0])
	defer reg.Close()

	if list {
		cps, err := h.Memory.ListCheckpoints()
		if err != nil {
			exitErr("list checkpoints", err)
		}
		printJSON(cps)
		return
	}

	name := ""
	if len(args) > 1 {
		name = args[1]
	}
	info, err := h.Memory.Checkpoint(cmd.Context(), name)
	if err != nil {
		exitErr("checkpoint", err)
	}
	printJSON(info)
}

func runMemRestore(cmd *cobra.Command, args []string) {
	reg, h := attach(cmd, args[0])
	defer reg.Close()

	n, err := h.Memory.RestoreCheckpoint(cmd.Context(), args[1])
	if err != nil {
		exitErr("restore", err)
	}
	fmt.Printf(`{"ok":true,"restored":%d}`+"\n", n)
}
