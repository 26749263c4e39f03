package session

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/tiermem/internal/config"
	"github.com/rcliao/tiermem/internal/eventlog"
	"github.com/rcliao/tiermem/internal/memory"
	"github.com/rcliao/tiermem/internal/model"
	"github.com/rcliao/tiermem/internal/namespace"
	"github.com/rcliao/tiermem/internal/store"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Root = t.TempDir()
	cfg.Session.ReclaimOnOpen = false
	cfg.Session.ReclaimInterval = 0
	cfg.EventLog.FlushInterval = config.Duration(50 * time.Millisecond)
	cfg.EventLog.PollInterval = config.Duration(10 * time.Millisecond)
	cfg.EventLog.Fsync = false
	return cfg
}

func openTestRegistry(t *testing.T, cfg config.Config) *Registry {
	t.Helper()
	r, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func quality(q float64) *float64 { return &q }

func TestSameLabelSessionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t, testConfig(t))

	a, err := r.CreateSession(ctx, "blog", nil)
	require.NoError(t, err)
	b, err := r.CreateSession(ctx, "blog", nil)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.Namespace.Root, b.Namespace.Root)
	assert.Len(t, a.ID, 36, "canonical uuid form")

	require.NoError(t, a.Memory.Store(ctx, "writer", "draft", []byte("mine"), model.TierShortTerm))
	require.NoError(t, a.Memory.Store(ctx, "writer", "notes", []byte("shared"), model.TierShared))
	_, ok := b.Memory.Retrieve(ctx, "writer", "draft", model.TierShortTerm)
	assert.False(t, ok)
	_, ok = b.Memory.Retrieve(ctx, "writer", "notes", model.TierShared)
	assert.False(t, ok)

	m, err := r.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, m.Status)
	assert.Equal(t, "blog", m.Label)
	_, err = os.Stat(a.Namespace.ManifestPath())
	assert.NoError(t, err)
}

func TestLogAndReadRecent(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	r := openTestRegistry(t, cfg)

	h, err := r.CreateSession(ctx, "run", nil)
	require.NoError(t, err)
	require.NoError(t, h.Logger.Flush(ctx))
	before := h.Logger.Stats().LastSeq

	var wg sync.WaitGroup
	for _, owner := range []string{"researcher", "writer"} {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			n := 3
			if owner == "writer" {
				n = 2
			}
			for i := 0; i < n; i++ {
				h.Logger.Log(model.CategoryTaskStart, model.SeverityInfo, "step", map[string]any{"i": i}, eventlog.WithOwner(owner))
			}
		}(owner)
	}
	wg.Wait()
	require.NoError(t, h.Logger.Flush(ctx))

	events, err := h.Logger.ReadRecent(eventlog.ReadParams{Limit: 5})
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, before+uint64(5-i), ev.Seq)
		assert.Equal(t, h.ID, ev.SessionID)
	}
}

func TestCompleteSessionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t, testConfig(t))

	h, err := r.CreateSession(ctx, "run", map[string]string{"workload": "report"})
	require.NoError(t, err)

	first, err := r.CompleteSession(ctx, h.ID, CompleteParams{QualityScore: quality(90), ErrorCount: 2})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, first.Status)
	require.NotNil(t, first.CompletedAt)
	assert.GreaterOrEqual(t, first.DurationSeconds, 0.0)
	assert.Equal(t, 2, first.ErrorCount)
	assert.Equal(t, "report", first.Metadata["workload"])

	second, err := r.CompleteSession(ctx, h.ID, CompleteParams{QualityScore: quality(10), ErrorCount: 9})
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
	assert.True(t, first.CompletedAt.Equal(*second.CompletedAt))
	assert.Equal(t, first.DurationSeconds, second.DurationSeconds)
	assert.Equal(t, *first.QualityScore, *second.QualityScore)
	assert.Equal(t, first.ErrorCount, second.ErrorCount)

	stored, err := r.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, 90.0, *stored.QualityScore)
	assert.Equal(t, 2, stored.ErrorCount)

	events, err := h.Logger.ReadRecent(eventlog.ReadParams{Category: model.CategoryLifecycle})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "session completed", events[0].Message)
}

func TestCompleteUnknownSession(t *testing.T) {
	r := openTestRegistry(t, testConfig(t))
	_, err := r.CompleteSession(context.Background(), "nope", CompleteParams{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSessionsFilters(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t, testConfig(t))

	var ids []string
	for _, label := range []string{"a", "b", "c"} {
		h, err := r.CreateSession(ctx, label, nil)
		require.NoError(t, err)
		ids = append(ids, h.ID)
		time.Sleep(2 * time.Millisecond)
	}
	_, err := r.CompleteSession(ctx, ids[0], CompleteParams{QualityScore: quality(70)})
	require.NoError(t, err)
	_, err = r.CompleteSession(ctx, ids[1], CompleteParams{QualityScore: quality(95)})
	require.NoError(t, err)

	all, err := r.ListSessions(ctx, store.SessionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ID, "newest first")

	done, err := r.ListSessions(ctx, store.SessionFilter{Status: model.StatusCompleted})
	require.NoError(t, err)
	assert.Len(t, done, 2)

	good, err := r.ListSessions(ctx, store.SessionFilter{MinQuality: quality(80)})
	require.NoError(t, err)
	require.Len(t, good, 1)
	assert.Equal(t, ids[1], good[0].ID)
}

func TestHighQualityRunBecomesTemplate(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t, testConfig(t))

	h, err := r.CreateSession(ctx, "blog", nil)
	require.NoError(t, err)
	m, err := r.CompleteSession(ctx, h.ID, CompleteParams{QualityScore: quality(90)})
	require.NoError(t, err)

	_, err = h.Memory.SaveTemplate(ctx, memory.TemplateParams{
		Category:     "blog-post",
		Tags:         []string{"go", "testing"},
		QualityScore: *m.QualityScore,
		Payload:      []byte(`{"sections":3}`),
	})
	require.NoError(t, err)

	next, err := r.CreateSession(ctx, "blog", nil)
	require.NoError(t, err)
	matches, err := next.Memory.FindSimilar(ctx, memory.Query{Category: "blog-post", Tags: []string{"go", "testing"}, Limit: 3})
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, h.ID, matches[0].Template.SessionID)
	assert.Greater(t, matches[0].Score, 0.8)

	fromRegistry, err := r.Templates().FindSimilar(ctx, memory.Query{Category: "blog-post"})
	require.NoError(t, err)
	assert.Len(t, fromRegistry, 1)
}

// completedSession creates a session with some state, completes it and closes its handle.
func completedSession(t *testing.T, r *Registry) *Handle {
	t.Helper()
	ctx := context.Background()
	h, err := r.CreateSession(ctx, "old", nil)
	require.NoError(t, err)
	require.NoError(t, h.Memory.Store(ctx, "a", "k", []byte("v"), model.TierShortTerm))
	h.Logger.TaskStarted("a", "work", nil)
	_, err = r.CompleteSession(ctx, h.ID, CompleteParams{QualityScore: quality(80)})
	require.NoError(t, err)
	require.NoError(t, r.CloseSession(h.ID))
	return h
}

func TestReclaimExpiredArchivesCompletedSessions(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t, testConfig(t))

	old := completedSession(t, r)
	active, err := r.CreateSession(ctx, "active", nil)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	res, err := r.ReclaimExpired(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{old.ID}, res.Archived)
	assert.Empty(t, res.Failed)

	assert.False(t, old.Namespace.Exists())
	assert.True(t, active.Namespace.Exists())

	entries, err := ArchiveEntries(r.ArchivePath(old.ID))
	require.NoError(t, err)
	assert.Contains(t, entries, "manifest.json")
	assert.Contains(t, entries, "logs/events.jsonl")

	data, err := ReadArchiveFile(r.ArchivePath(old.ID), "logs/events.jsonl")
	require.NoError(t, err)
	assert.Contains(t, string(data), "session completed")

	m, err := r.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusArchived, m.Status)
	assert.NotNil(t, m.ArchivedAt)

	_, err = r.Attach(ctx, old.ID)
	assert.ErrorIs(t, err, ErrArchived)

	again, err := r.ReclaimExpired(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, again.Archived)
}

func TestReclaimRespectsRetention(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t, testConfig(t))

	completedSession(t, r)
	res, err := r.ReclaimExpired(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, res.Archived, "default retention is days, not milliseconds")
}

func TestReclaimSkipsLiveSessions(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t, testConfig(t))

	h, err := r.CreateSession(ctx, "still open", nil)
	require.NoError(t, err)
	_, err = r.CompleteSession(ctx, h.ID, CompleteParams{})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	res, err := r.ReclaimExpired(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{h.ID}, res.Skipped)
	assert.True(t, h.Namespace.Exists())
}

func TestReclaimFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t, testConfig(t))

	bad := completedSession(t, r)
	good := completedSession(t, r)
	// A non-empty directory where the archive should go makes the final rename fail.
	blocker := r.ArchivePath(bad.ID)
	require.NoError(t, os.MkdirAll(filepath.Join(blocker, "x"), 0o755))
	time.Sleep(5 * time.Millisecond)

	res, err := r.ReclaimExpired(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{good.ID}, res.Archived)
	require.Contains(t, res.Failed, bad.ID)

	m, err := r.Get(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, m.Status, "left for the next pass")
	assert.True(t, bad.Namespace.Exists())

	require.NoError(t, os.RemoveAll(blocker))
	res, err = r.ReclaimExpired(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{bad.ID}, res.Archived)
}

func TestConcurrentReclaimArchivesOnce(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t, testConfig(t))
	for i := 0; i < 3; i++ {
		completedSession(t, r)
	}
	time.Sleep(5 * time.Millisecond)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.ReclaimExpired(ctx, time.Millisecond)
			assert.NoError(t, err)
			mu.Lock()
			total += len(res.Archived)
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, total)
}

func TestPeriodicReclamation(t *testing.T) {
	cfg := testConfig(t)
	cfg.Session.Retention = config.Duration(time.Millisecond)
	cfg.Session.ReclaimInterval = config.Duration(20 * time.Millisecond)
	r := openTestRegistry(t, cfg)

	h := completedSession(t, r)
	assert.Eventually(t, func() bool {
		m, err := r.Get(context.Background(), h.ID)
		return err == nil && m.Status == model.StatusArchived
	}, 3*time.Second, 20*time.Millisecond)
}

func TestAttachResumesSession(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t, testConfig(t))

	h, err := r.CreateSession(ctx, "resumable", nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		h.Logger.Log(model.CategoryTaskStart, model.SeverityInfo, "step", nil)
	}
	last := h.Logger.Stats().LastSeq
	require.NoError(t, h.Memory.Store(ctx, "a", "k", []byte("kept"), model.TierShortTerm))
	require.NoError(t, r.CloseSession(h.ID))
	assert.False(t, r.Live(h.ID))

	again, err := r.Attach(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, last+1, again.Logger.Log(model.CategoryLifecycle, model.SeverityInfo, "resumed", nil))
	got, ok := again.Memory.Retrieve(ctx, "a", "k", model.TierShortTerm)
	require.True(t, ok)
	assert.Equal(t, "kept", string(got))

	same, err := r.Attach(ctx, h.ID)
	require.NoError(t, err)
	assert.Same(t, again, same)

	_, err = r.Attach(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentAttachSharesOneHandle(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t, testConfig(t))

	h, err := r.CreateSession(ctx, "shared", nil)
	require.NoError(t, err)
	h.Logger.Log(model.CategoryTaskStart, model.SeverityInfo, "step", nil)
	last := h.Logger.Stats().LastSeq
	require.NoError(t, r.CloseSession(h.ID))

	const n = 8
	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			got, err := r.Attach(ctx, h.ID)
			assert.NoError(t, err)
			handles[i] = got
		}(i)
	}
	close(start)
	wg.Wait()

	for _, got := range handles {
		assert.Same(t, handles[0], got)
	}
	assert.Equal(t, last+1, handles[0].Logger.Log(model.CategoryLifecycle, model.SeverityInfo, "resumed", nil))
}

func TestAttachWaitsForArchiving(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t, testConfig(t))

	old := completedSession(t, r)
	m, err := r.Get(ctx, old.ID)
	require.NoError(t, err)

	release, ok := r.claimIdle(old.ID)
	require.True(t, ok)

	attached := make(chan error, 1)
	go func() {
		_, err := r.Attach(ctx, old.ID)
		attached <- err
	}()
	select {
	case err := <-attached:
		t.Fatalf("attach returned during archiving: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, r.archive(ctx, m))
	release()

	select {
	case err := <-attached:
		assert.ErrorIs(t, err, ErrArchived)
	case <-time.After(5 * time.Second):
		t.Fatal("attach still blocked after archiving finished")
	}
	assert.False(t, r.Live(old.ID))
}

func TestReclaimSkipsSessionBeingAttached(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t, testConfig(t))

	old := completedSession(t, r)
	time.Sleep(5 * time.Millisecond)

	release, ok := r.claimIdle(old.ID)
	require.True(t, ok)
	res, err := r.ReclaimExpired(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{old.ID}, res.Skipped)
	assert.True(t, old.Namespace.Exists())
	release()

	res, err = r.ReclaimExpired(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{old.ID}, res.Archived)
}

func TestCloseFlushesLiveSessions(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.EventLog.FlushInterval = config.Duration(time.Hour)
	r, err := Open(ctx, cfg, nil)
	require.NoError(t, err)

	var namespaces []namespace.Namespace
	for i := 0; i < 3; i++ {
		h, err := r.CreateSession(ctx, fmt.Sprintf("s%d", i), nil)
		require.NoError(t, err)
		h.Logger.Warn("agent", "unflushed", nil)
		namespaces = append(namespaces, h.Namespace)
	}
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	for _, ns := range namespaces {
		events, err := eventlog.ReadRecent(ns, eventlog.ReadParams{Category: model.CategoryWarning})
		require.NoError(t, err)
		assert.Len(t, events, 1)
	}
}

func TestSweepLongTerm(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t, testConfig(t))

	h, err := r.CreateSession(ctx, "s", nil)
	require.NoError(t, err)
	require.NoError(t, h.Memory.Store(ctx, "a", "stale", []byte("x"), model.TierLongTerm))
	require.NoError(t, h.Memory.Store(ctx, "a", "fresh", []byte("y"), model.TierLongTerm))

	db, err := sql.Open("sqlite", r.DBPath())
	require.NoError(t, err)
	defer db.Close()
	old := time.Now().Add(-40 * 24 * time.Hour).UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
	_, err = db.Exec(`UPDATE longterm SET last_accessed_at = ? WHERE hash = ?`, old, store.LongTermHash("a", "stale"))
	require.NoError(t, err)

	n, err := r.SweepLongTerm(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	other, err := r.CreateSession(ctx, "s2", nil)
	require.NoError(t, err)
	_, ok := other.Memory.Retrieve(ctx, "a", "stale", model.TierLongTerm)
	assert.False(t, ok)
	_, ok = other.Memory.Retrieve(ctx, "a", "fresh", model.TierLongTerm)
	assert.True(t, ok)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t, testConfig(t))

	completedSession(t, r)
	_, err := r.CreateSession(ctx, "live", nil)
	require.NoError(t, err)

	st, err := r.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalSessions)
	assert.Equal(t, 1, st.ByStatus[string(model.StatusActive)])
	assert.Equal(t, 1, st.ByStatus[string(model.StatusCompleted)])
	assert.Equal(t, 1, st.LiveSessions)
	assert.InDelta(t, 80.0, st.AvgQuality, 0.001)
}

func TestOpenFailsWithoutStorage(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	cfg := testConfig(t)
	cfg.Root = filepath.Join(file, "root")
	_, err := Open(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}
