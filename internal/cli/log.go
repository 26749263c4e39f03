package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rcliao/tiermem/internal/config"
	"github.com/rcliao/tiermem/internal/eventlog"
	"github.com/rcliao/tiermem/internal/model"
	"github.com/rcliao/tiermem/internal/namespace"
	"github.com/rcliao/tiermem/internal/session"
)

func init() {
	logCmd := &cobra.Command{
		Use:   "log",
		Short: "Write, read and follow session event logs",
	}

	writeCmd := &cobra.Command{
		Use:   "write <session-id> <message>",
		Short: "Append an event to a session log",
		Args:  cobra.MinimumNArgs(2),
		Run:   runLogWrite,
	}
	writeCmd.Flags().StringP("category", "k", string(model.CategoryLifecycle), "Event category")
	writeCmd.Flags().StringP("severity", "s", string(model.SeverityInfo), "Severity: debug, info, warning or error")
	writeCmd.Flags().StringP("owner", "o", "", "Owning agent")
	writeCmd.Flags().StringP("payload", "p", "", "JSON object payload")
	writeCmd.Flags().Uint64("parent", 0, "Parent event sequence number")
	writeCmd.Flags().Duration("duration", 0, "Duration of the logged operation")

	tailCmd := &cobra.Command{
		Use:   "tail <session-id>",
		Short: "Show the most recent events, newest first",
		Args:  cobra.ExactArgs(1),
		Run:   runLogTail,
	}
	tailCmd.Flags().StringP("owner", "o", "", "Only events of this owner")
	tailCmd.Flags().StringP("category", "k", "", "Only events of this category")
	tailCmd.Flags().IntP("limit", "n", 20, "Max events")

	streamCmd := &cobra.Command{
		Use:   "stream <session-id>",
		Short: "Follow a session log as newline-delimited JSON",
		Args:  cobra.ExactArgs(1),
		Run:   runLogStream,
	}
	streamCmd.Flags().Uint64("since", 0, "Only events after this sequence number")

	summaryCmd := &cobra.Command{
		Use:   "summary <session-id>",
		Short: "Count events per category, severity and owner",
		Args:  cobra.ExactArgs(1),
		Run:   runLogSummary,
	}

	logCmd.AddCommand(writeCmd, tailCmd, streamCmd, summaryCmd)
	RootCmd.AddCommand(logCmd)
}

func runLogWrite(cmd *cobra.Command, args []string) {
	id := args[0]
	msg := strings.Join(args[1:], " ")
	cat, _ := cmd.Flags().GetString("category")
	sev, _ := cmd.Flags().GetString("severity")
	owner, _ := cmd.Flags().GetString("owner")
	payloadStr, _ := cmd.Flags().GetString("payload")
	parent, _ := cmd.Flags().GetUint64("parent")
	took, _ := cmd.Flags().GetDuration("duration")

	if !model.ValidCategories[model.Category(cat)] {
		exitErr("write event", fmt.Errorf("invalid category %q", cat))
	}
	if !model.ValidSeverities[model.Severity(sev)] {
		exitErr("write event", fmt.Errorf("invalid severity %q", sev))
	}
	var payload map[string]any
	if payloadStr != "" {
		if err := json.Unmarshal([]byte(payloadStr), &payload); err != nil {
			exitErr("parse payload", err)
		}
	}

	reg, _ := openRegistry(cmd.Context())
	defer reg.Close()

	h, err := reg.Attach(cmd.Context(), id)
	if err != nil {
		exitErr("attach session", err)
	}
	var opts []eventlog.EventOption
	if owner != "" {
		opts = append(opts, eventlog.WithOwner(owner))
	}
	if parent > 0 {
		opts = append(opts, eventlog.WithParent(parent))
	}
	if took > 0 {
		opts = append(opts, eventlog.WithDuration(took))
	}

	seq := h.Logger.Log(model.Category(cat), model.Severity(sev), msg, payload, opts...)
	if seq == 0 {
		exitErr("write event", fmt.Errorf("event dropped"))
	}
	if err := h.Logger.Flush(cmd.Context()); err != nil {
		exitErr("flush events", err)
	}
	fmt.Printf(`{"ok":true,"seq":%d}`+"\n", seq)
}

// sessionNamespace resolves the namespace of a non-archived session.
func sessionNamespace(cmd *cobra.Command, id string) (namespace.Namespace, config.Config) {
	reg, cfg := openRegistry(cmd.Context())
	defer reg.Close()

	m, err := reg.Get(cmd.Context(), id)
	if err != nil {
		exitErr("get session", err)
	}
	if m.Status == model.StatusArchived {
		exitErr("read log", fmt.Errorf("%w: %s", session.ErrArchived, id))
	}
	return namespace.Namespace{Root: m.Namespace}, cfg
}

func runLogTail(cmd *cobra.Command, args []string) {
	owner, _ := cmd.Flags().GetString("owner")
	cat, _ := cmd.Flags().GetString("category")
	limit, _ := cmd.Flags().GetInt("limit")

	ns, _ := sessionNamespace(cmd, args[0])
	events, err := eventlog.ReadRecent(ns, eventlog.ReadParams{
		Owner:    owner,
		Category: model.Category(cat),
		Limit:    limit,
	})
	if err != nil {
		exitErr("read events", err)
	}

	if textFormat() {
		for _, e := range events {
			printEventLine(e)
		}
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	printJSON(events)
}

func printEventLine(e model.Event) {
	owner := e.Owner
	if owner == "" {
		owner = "-"
	}
	fmt.Printf("%6d  %s  %-8s %-16s %-12s %s\n",
		e.Seq, e.Timestamp.Format(model.TimestampFormat), e.Severity, e.Category, owner, e.Message)
}

func runLogStream(cmd *cobra.Command, args []string) {
	since, _ := cmd.Flags().GetUint64("since")
	ns, cfg := sessionNamespace(cmd, args[0])

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := newLogger(cfg.Log)
	defer log.Sync()

	events, err := eventlog.Tail(ctx, ns, since, cfg.EventLog.PollInterval.Std(), log)
	if err != nil {
		exitErr("stream events", err)
	}
	enc := json.NewEncoder(os.Stdout)
	for e := range events {
		if textFormat() {
			printEventLine(e)
			continue
		}
		if err := enc.Encode(e); err != nil {
			exitErr("write event", err)
		}
	}
	if err := ctx.Err(); err != nil && err != context.Canceled {
		exitErr("stream events", err)
	}
}

func runLogSummary(cmd *cobra.Command, args []string) {
	ns, _ := sessionNamespace(cmd, args[0])
	sum, err := eventlog.Summarize(ns)
	if err != nil {
		exitErr("summarize log", err)
	}
	sum.SessionID = args[0]
	printJSON(sum)
}
