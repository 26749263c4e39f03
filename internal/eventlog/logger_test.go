package eventlog

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/tiermem/internal/model"
	"github.com/rcliao/tiermem/internal/namespace"
)

func testOptions() Options {
	return Options{
		QueueSize:     1000,
		BatchSize:     100,
		FlushInterval: 50 * time.Millisecond,
		PollInterval:  10 * time.Millisecond,
		ShutdownGrace: 2 * time.Second,
	}
}

func newTestLogger(t *testing.T, opts Options) (*Logger, namespace.Namespace) {
	t.Helper()
	ns := namespace.Namespace{Root: t.TempDir()}
	l, err := New("sess-1", ns, opts, nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, ns
}

// memSink records batches in memory. It can block on entry and fail a set
// number of times.
type memSink struct {
	mu       sync.Mutex
	events   []model.Event
	failures int
	calls    int
	entered  chan struct{}
	release  chan struct{}
}

func (s *memSink) Append(events []model.Event) error {
	if s.entered != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
	}
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return errors.New("disk full")
	}
	s.events = append(s.events, events...)
	return nil
}

func (s *memSink) Close() error { return nil }

func (s *memSink) seqs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.events))
	for i, e := range s.events {
		out[i] = e.Seq
	}
	return out
}

func startMem(t *testing.T, opts Options, s *memSink) *Logger {
	t.Helper()
	l, err := start("sess-mem", namespace.Namespace{Root: t.TempDir()}, opts, s, nil)
	require.NoError(t, err)
	return l
}

func TestLogPersistsInSequence(t *testing.T) {
	l, _ := newTestLogger(t, testOptions())

	for i := 0; i < 10; i++ {
		seq := l.Log(model.CategoryLifecycle, model.SeverityInfo, "tick", map[string]any{"i": i})
		assert.Equal(t, uint64(i+1), seq)
	}
	require.NoError(t, l.Flush(context.Background()))

	events, err := l.ReadRecent(ReadParams{Limit: 100})
	require.NoError(t, err)
	require.Len(t, events, 10)
	for i, ev := range events {
		assert.Equal(t, uint64(10-i), ev.Seq, "newest first")
		assert.Equal(t, "sess-1", ev.SessionID)
		assert.Equal(t, time.UTC, ev.Timestamp.Location())
	}
	assert.EqualValues(t, 10, l.Stats().Persisted)
}

func TestLogCopiesPayload(t *testing.T) {
	l, _ := newTestLogger(t, testOptions())

	payload := map[string]any{"k": "before"}
	l.Log(model.CategoryLifecycle, model.SeverityInfo, "p", payload)
	payload["k"] = "after"
	require.NoError(t, l.Flush(context.Background()))

	events, err := l.ReadRecent(ReadParams{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "before", events[0].Payload["k"])
}

func TestOwnerStreamAndFilters(t *testing.T) {
	l, ns := newTestLogger(t, testOptions())

	start := l.TaskStarted("planner", "outline", nil)
	l.ExternalCall("planner", "search-api", start, map[string]any{"q": "go"})
	l.Warn("writer", "slow draft", nil)
	l.TaskEnded("planner", "outline", start, 1500*time.Millisecond, nil)
	l.Log(model.CategoryLifecycle, model.SeverityInfo, "no owner", nil)
	require.NoError(t, l.Flush(context.Background()))

	_, err := os.Stat(ns.OwnerLogPath("planner"))
	require.NoError(t, err)

	planner, err := l.ReadRecent(ReadParams{Owner: "planner"})
	require.NoError(t, err)
	require.Len(t, planner, 3)
	assert.Equal(t, model.CategoryTaskEnd, planner[0].Category)
	assert.Equal(t, start, planner[0].ParentSeq)
	assert.InDelta(t, 1500.0, planner[0].DurationMS, 0.001)

	warnings, err := l.ReadRecent(ReadParams{Category: model.CategoryWarning})
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, "writer", warnings[0].Owner)

	limited, err := l.ReadRecent(ReadParams{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, uint64(5), limited[0].Seq)
}

func TestQueueFullDropsWithoutBlocking(t *testing.T) {
	s := &memSink{entered: make(chan struct{}, 1), release: make(chan struct{})}
	opts := testOptions()
	opts.QueueSize = 2
	opts.BatchSize = 1
	l := startMem(t, opts, s)

	before := testutil.ToFloat64(metricEventsDropped)
	beforeTotal := DroppedTotal()

	require.Equal(t, uint64(1), l.Log(model.CategoryLifecycle, model.SeverityInfo, "e1", nil))
	<-s.entered // worker is now stuck writing e1

	assert.Equal(t, uint64(2), l.Log(model.CategoryLifecycle, model.SeverityInfo, "e2", nil))
	assert.Equal(t, uint64(3), l.Log(model.CategoryLifecycle, model.SeverityInfo, "e3", nil))

	done := make(chan uint64)
	go func() { done <- l.Log(model.CategoryLifecycle, model.SeverityInfo, "e4", nil) }()
	select {
	case seq := <-done:
		assert.Zero(t, seq)
	case <-time.After(time.Second):
		t.Fatal("Log blocked on a full queue")
	}

	assert.EqualValues(t, 1, l.Stats().Dropped)
	assert.Equal(t, 1.0, testutil.ToFloat64(metricEventsDropped)-before)
	assert.EqualValues(t, 1, DroppedTotal()-beforeTotal)

	close(s.release)
	require.NoError(t, l.Close())
	assert.Equal(t, []uint64{1, 2, 3}, s.seqs(), "dropped events do not consume sequence numbers")
}

func TestFlushRetriesOnce(t *testing.T) {
	s := &memSink{failures: 1}
	l := startMem(t, testOptions(), s)
	defer l.Close()

	l.Log(model.CategoryLifecycle, model.SeverityInfo, "a", nil)
	require.NoError(t, l.Flush(context.Background()))
	assert.Equal(t, []uint64{1}, s.seqs())
	assert.Zero(t, l.Stats().FlushErrors)
}

func TestFlushDiscardsAfterSecondFailure(t *testing.T) {
	s := &memSink{failures: 2}
	opts := testOptions()
	opts.FlushInterval = time.Minute
	l := startMem(t, opts, s)
	defer l.Close()

	before := testutil.ToFloat64(metricFlushErrors)
	l.Log(model.CategoryLifecycle, model.SeverityInfo, "lost", nil)
	assert.Error(t, l.Flush(context.Background()))

	st := l.Stats()
	assert.EqualValues(t, 1, st.FlushErrors)
	assert.EqualValues(t, 1, st.Discarded)
	assert.Equal(t, 1.0, testutil.ToFloat64(metricFlushErrors)-before)

	// The logger keeps working after a discarded batch.
	assert.Equal(t, uint64(2), l.Log(model.CategoryLifecycle, model.SeverityInfo, "kept", nil))
	require.NoError(t, l.Flush(context.Background()))
	assert.Equal(t, []uint64{2}, s.seqs())
}

func TestFlushIntervalWritesPartialBatch(t *testing.T) {
	s := &memSink{}
	l := startMem(t, testOptions(), s)
	defer l.Close()

	l.Log(model.CategoryLifecycle, model.SeverityInfo, "lonely", nil)
	assert.Eventually(t, func() bool { return len(s.seqs()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownDrainsQueue(t *testing.T) {
	l, ns := newTestLogger(t, testOptions())

	for i := 0; i < 500; i++ {
		l.Log(model.CategoryCacheOp, model.SeverityDebug, "op", nil)
	}
	require.NoError(t, l.Shutdown(5*time.Second))

	assert.Zero(t, l.Log(model.CategoryLifecycle, model.SeverityInfo, "late", nil))
	require.NoError(t, l.Close(), "second close is a no-op")
	require.NoError(t, l.Flush(context.Background()))

	events, err := ReadRecent(ns, ReadParams{Limit: 1000})
	require.NoError(t, err)
	require.Len(t, events, 500)
	for i, ev := range events {
		assert.Equal(t, uint64(500-i), ev.Seq)
	}
}

func TestSequenceResumesAfterReopen(t *testing.T) {
	ns := namespace.Namespace{Root: t.TempDir()}
	l, err := New("sess-1", ns, testOptions(), nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		l.Log(model.CategoryLifecycle, model.SeverityInfo, "first run", nil)
	}
	require.NoError(t, l.Close())

	l2, err := New("sess-1", ns, testOptions(), nil)
	require.NoError(t, err)
	defer l2.Close()
	assert.Equal(t, uint64(4), l2.Log(model.CategoryLifecycle, model.SeverityInfo, "second run", nil))
}

func TestConcurrentProducersGapFree(t *testing.T) {
	l, ns := newTestLogger(t, testOptions())

	const producers, each = 8, 100
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				l.Log(model.CategoryTaskStart, model.SeverityInfo, "work", map[string]any{"p": p, "i": i})
			}
		}(p)
	}
	wg.Wait()
	require.NoError(t, l.Close())

	st := l.Stats()
	assert.EqualValues(t, producers*each, st.Persisted+st.Dropped)

	events, err := ReadRecent(ns, ReadParams{Limit: producers * each})
	require.NoError(t, err)
	require.EqualValues(t, st.Persisted, len(events))
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Seq-1, events[i].Seq)
	}
}

func TestNilLoggerDrops(t *testing.T) {
	var l *Logger
	assert.Zero(t, l.Log(model.CategoryLifecycle, model.SeverityInfo, "x", nil))
	assert.NoError(t, l.Close())
}

func TestOwnerStreamFailureKeepsSessionStreamOnce(t *testing.T) {
	opts := testOptions()
	opts.FlushInterval = time.Minute
	l, ns := newTestLogger(t, opts)

	// A directory where the owner stream should be makes it unopenable.
	require.NoError(t, os.MkdirAll(ns.OwnerLogPath("a"), 0o755))

	l.Log(model.CategoryLifecycle, model.SeverityInfo, "plain", nil)
	l.Log(model.CategoryTaskStart, model.SeverityInfo, "owned", nil, WithOwner("a"))
	var ownerErr *ownerStreamError
	require.ErrorAs(t, l.Flush(context.Background()), &ownerErr)

	events, err := ReadRecent(ns, ReadParams{Limit: 100})
	require.NoError(t, err)
	seqs := make([]uint64, len(events))
	for i, e := range events {
		seqs[i] = e.Seq
	}
	assert.Equal(t, []uint64{2, 1}, seqs)

	st := l.Stats()
	assert.EqualValues(t, 2, st.Persisted)
	assert.EqualValues(t, 0, st.Discarded)
	assert.EqualValues(t, 1, st.FlushErrors)

	require.NoError(t, os.Remove(ns.OwnerLogPath("a")))
	l.Log(model.CategoryTaskEnd, model.SeverityInfo, "owned again", nil, WithOwner("a"))
	require.NoError(t, l.Flush(context.Background()))

	events, err = ReadRecent(ns, ReadParams{Limit: 100})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.EqualValues(t, 3, events[0].Seq)
}

func TestFileSinkAppendIsIdempotent(t *testing.T) {
	ns := namespace.Namespace{Root: t.TempDir()}
	s, err := openFileSink(ns, false)
	require.NoError(t, err)
	defer s.Close()

	batch := []model.Event{
		{Seq: 1, SessionID: "s", Category: model.CategoryLifecycle, Severity: model.SeverityInfo},
		{Seq: 2, SessionID: "s", Owner: "a", Category: model.CategoryTaskStart, Severity: model.SeverityInfo},
	}
	require.NoError(t, s.Append(batch))
	require.NoError(t, s.Append(batch))

	events, err := ReadRecent(ns, ReadParams{Limit: 100})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	owned, err := ReadRecent(ns, ReadParams{Owner: "a", Limit: 100})
	require.NoError(t, err)
	assert.Len(t, owned, 1)
}

func TestLastSeqNeverGoesBackwards(t *testing.T) {
	l, _ := newTestLogger(t, testOptions())

	var wg sync.WaitGroup
	stop := make(chan struct{})
	var backwards bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		var prev uint64
		for {
			select {
			case <-stop:
				return
			default:
			}
			cur := l.Stats().LastSeq
			if cur < prev {
				backwards = true
			}
			prev = cur
		}
	}()

	var producers sync.WaitGroup
	for p := 0; p < 8; p++ {
		producers.Add(1)
		go func() {
			defer producers.Done()
			for i := 0; i < 100; i++ {
				l.Log(model.CategoryLifecycle, model.SeverityDebug, "tick", nil)
			}
		}()
	}
	producers.Wait()
	close(stop)
	wg.Wait()

	assert.False(t, backwards)
	assert.EqualValues(t, 800, l.Stats().LastSeq)
}
