package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rcliao/tiermem/internal/config"
	"github.com/rcliao/tiermem/internal/eventlog"
	"github.com/rcliao/tiermem/internal/model"
	"github.com/rcliao/tiermem/internal/namespace"
	"github.com/rcliao/tiermem/internal/session"
	"github.com/rcliao/tiermem/internal/store"
)

func init() {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Create, complete, inspect and reclaim sessions",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session and print its manifest",
		Run:   runSessionCreate,
	}
	createCmd.Flags().StringP("label", "l", "", "Human-readable label")
	createCmd.Flags().StringSliceP("meta", "m", nil, "Metadata as key=value (repeatable)")

	completeCmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Mark a session completed",
		Args:  cobra.ExactArgs(1),
		Run:   runSessionComplete,
	}
	completeCmd.Flags().Float64P("quality", "q", 0, "Quality score 0-100")
	completeCmd.Flags().IntP("errors", "e", 0, "Number of errors in the session")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		Run:   runSessionList,
	}
	listCmd.Flags().StringP("status", "s", "", "Filter by status: active, completed or archived")
	listCmd.Flags().Float64("min-quality", 0, "Minimum quality score")
	listCmd.Flags().IntP("limit", "n", 50, "Max results (0 for all)")

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a session manifest with its log summary or archive contents",
		Args:  cobra.ExactArgs(1),
		Run:   runSessionShow,
	}

	reclaimCmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Archive expired completed sessions",
		Run:   runSessionReclaim,
	}
	reclaimCmd.Flags().String("retention", "", "Retention window, e.g. 7d or 36h (default from config)")
	reclaimCmd.Flags().Bool("long-term", false, "Also sweep long-term entries past their expiry")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show registry statistics",
		Run:   runSessionStats,
	}

	sessionCmd.AddCommand(createCmd, completeCmd, listCmd, showCmd, reclaimCmd, statsCmd)
	RootCmd.AddCommand(sessionCmd)
}

func parseMeta(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	meta := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			exitErr("parse metadata", fmt.Errorf("expected key=value, got %q", p))
		}
		meta[k] = v
	}
	return meta
}

func runSessionCreate(cmd *cobra.Command, args []string) {
	label, _ := cmd.Flags().GetString("label")
	metaPairs, _ := cmd.Flags().GetStringSlice("meta")

	reg, _ := openRegistry(cmd.Context())
	defer reg.Close()

	h, err := reg.CreateSession(cmd.Context(), label, parseMeta(metaPairs))
	if err != nil {
		exitErr("create session", err)
	}
	m, err := reg.Get(cmd.Context(), h.ID)
	if err != nil {
		exitErr("get session", err)
	}
	if textFormat() {
		fmt.Println(m.ID)
		return
	}
	printJSON(m)
}

func runSessionComplete(cmd *cobra.Command, args []string) {
	id := args[0]
	errCount, _ := cmd.Flags().GetInt("errors")

	var p session.CompleteParams
	p.ErrorCount = errCount
	if cmd.Flags().Changed("quality") {
		q, _ := cmd.Flags().GetFloat64("quality")
		if q < 0 || q > 100 {
			exitErr("complete session", fmt.Errorf("quality %v out of range 0-100", q))
		}
		p.QualityScore = &q
	}

	reg, _ := openRegistry(cmd.Context())
	defer reg.Close()

	// Attaching lets the completion event land in the session's own stream.
	if _, err := reg.Attach(cmd.Context(), id); err != nil && !errors.Is(err, session.ErrArchived) {
		exitErr("attach session", err)
	}
	m, err := reg.CompleteSession(cmd.Context(), id, p)
	if err != nil {
		exitErr("complete session", err)
	}
	printJSON(m)
}

func runSessionList(cmd *cobra.Command, args []string) {
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")

	f := store.SessionFilter{Status: model.SessionStatus(status), Limit: limit}
	if status != "" && !model.ValidStatuses[f.Status] {
		exitErr("list sessions", fmt.Errorf("invalid status %q", status))
	}
	if cmd.Flags().Changed("min-quality") {
		q, _ := cmd.Flags().GetFloat64("min-quality")
		f.MinQuality = &q
	}

	reg, _ := openRegistry(cmd.Context())
	defer reg.Close()

	sessions, err := reg.ListSessions(cmd.Context(), f)
	if err != nil {
		exitErr("list sessions", err)
	}

	if !textFormat() {
		if sessions == nil {
			sessions = []model.Manifest{}
		}
		printJSON(sessions)
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tLABEL\tCREATED\tDURATION\tQUALITY")
	for _, m := range sessions {
		quality := "-"
		if m.QualityScore != nil {
			quality = fmt.Sprintf("%.0f", *m.QualityScore)
		}
		duration := "-"
		if m.CompletedAt != nil {
			duration = (time.Duration(m.DurationSeconds * float64(time.Second))).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			m.ID, m.Status, m.Label, humanize.Time(m.CreatedAt), duration, quality)
	}
	w.Flush()
}

type sessionView struct {
	model.Manifest
	Log     *eventlog.Summary `json:"log,omitempty"`
	Archive []string          `json:"archive,omitempty"`
}

func runSessionShow(cmd *cobra.Command, args []string) {
	reg, _ := openRegistry(cmd.Context())
	defer reg.Close()

	m, err := reg.Get(cmd.Context(), args[0])
	if err != nil {
		exitErr("get session", err)
	}

	view := sessionView{Manifest: m}
	if m.Status == model.StatusArchived {
		view.Archive, err = session.ArchiveEntries(reg.ArchivePath(m.ID))
		if err != nil {
			exitErr("read archive", err)
		}
	} else {
		view.Log, err = eventlog.Summarize(namespace.Namespace{Root: m.Namespace})
		if err != nil {
			exitErr("summarize log", err)
		}
		view.Log.SessionID = m.ID
	}
	printJSON(view)
}

func runSessionReclaim(cmd *cobra.Command, args []string) {
	retentionStr, _ := cmd.Flags().GetString("retention")
	longTerm, _ := cmd.Flags().GetBool("long-term")

	var retention time.Duration
	if retentionStr != "" {
		d, err := config.ParseDuration(retentionStr)
		if err != nil {
			exitErr("parse retention", err)
		}
		retention = d
	}

	reg, _ := openRegistry(cmd.Context())
	defer reg.Close()

	res, err := reg.ReclaimExpired(cmd.Context(), retention)
	if err != nil {
		exitErr("reclaim sessions", err)
	}
	out := map[string]any{"sessions": res}
	if longTerm {
		n, err := reg.SweepLongTerm(cmd.Context(), 0)
		if err != nil {
			exitErr("sweep long-term", err)
		}
		out["long_term_deleted"] = n
	}
	printJSON(out)
}

func runSessionStats(cmd *cobra.Command, args []string) {
	reg, _ := openRegistry(cmd.Context())
	defer reg.Close()

	st, err := reg.Stats(cmd.Context())
	if err != nil {
		exitErr("stats", err)
	}
	if !textFormat() {
		printJSON(st)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "database\t%s (%s)\n", st.DBPath, humanize.Bytes(uint64(st.DBSizeBytes)))
	fmt.Fprintf(w, "sessions\t%s\n", humanize.Comma(int64(st.TotalSessions)))
	for _, s := range []model.SessionStatus{model.StatusActive, model.StatusCompleted, model.StatusArchived} {
		fmt.Fprintf(w, "  %s\t%d\n", s, st.ByStatus[string(s)])
	}
	fmt.Fprintf(w, "avg duration\t%s\n", time.Duration(st.AvgDuration*float64(time.Second)).Round(time.Second))
	fmt.Fprintf(w, "avg quality\t%.1f\n", st.AvgQuality)
	fmt.Fprintf(w, "errors\t%d\n", st.TotalErrors)
	fmt.Fprintf(w, "dropped events\t%d\n", st.TotalDropped)
	fmt.Fprintf(w, "long-term entries\t%d (%s)\n", st.LongTermEntries, humanize.Bytes(uint64(st.LongTermBytes)))
	fmt.Fprintf(w, "templates\t%d\n", st.Templates)
	fmt.Fprintf(w, "archives\t%d (%s)\n", st.Archives, humanize.Bytes(uint64(st.ArchiveBytes)))
	w.Flush()
}
