// Package eventlog implements the per-session asynchronous event logger.
//
// Producers call Log from any goroutine; it never blocks. Events pass through a
// bounded queue to a single background worker that batches them and appends them
// to the session's JSONL stream and to a per-owner stream. When the queue is full
// the event is dropped and counted.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/tiermem/internal/config"
	"github.com/rcliao/tiermem/internal/model"
	"github.com/rcliao/tiermem/internal/namespace"
)

var (
	// ErrClosed is returned by operations on a logger that has been shut down.
	ErrClosed = errors.New("event logger closed")
	// ErrShutdownTimeout is returned when the worker did not finish within the grace period.
	ErrShutdownTimeout = errors.New("event logger shutdown timed out")
)

// finalFlushAllowance is how long Shutdown waits past the grace period for the last write.
const finalFlushAllowance = time.Second

// Options configures a Logger.
type Options struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	PollInterval  time.Duration
	ShutdownGrace time.Duration
	Fsync         bool
}

// DefaultOptions returns the default logger options.
func DefaultOptions() Options {
	return Options{
		QueueSize:     1000,
		BatchSize:     100,
		FlushInterval: time.Second,
		PollInterval:  100 * time.Millisecond,
		ShutdownGrace: 5 * time.Second,
		Fsync:         true,
	}
}

// OptionsFromConfig converts the eventlog section of the configuration.
func OptionsFromConfig(c config.EventLogConfig) Options {
	return Options{
		QueueSize:     c.QueueSize,
		BatchSize:     c.BatchSize,
		FlushInterval: c.FlushInterval.Std(),
		PollInterval:  c.PollInterval.Std(),
		ShutdownGrace: c.ShutdownGrace.Std(),
		Fsync:         c.Fsync,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = d.FlushInterval
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.PollInterval > o.FlushInterval {
		o.PollInterval = o.FlushInterval
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = d.ShutdownGrace
	}
	return o
}

// Logger is the asynchronous event logger of one session.
type Logger struct {
	sessionID string
	ns        namespace.Namespace
	opts      Options
	log       *zap.Logger
	sink      sink

	// mu makes sequence assignment and enqueue one step, so queue order is seq order.
	mu      sync.Mutex
	nextSeq uint64
	closed  bool

	queue    chan model.Event
	flushReq chan chan error
	stop     chan struct{}
	done     chan struct{}
	grace    time.Duration

	persisted   atomic.Int64
	dropped     atomic.Int64
	flushErrors atomic.Int64
	discarded   atomic.Int64
	lastSeq     atomic.Uint64
}

// New opens the session's event streams and starts the background worker.
// Sequence numbers resume after the last event already persisted in the namespace.
func New(sessionID string, ns namespace.Namespace, opts Options, zlog *zap.Logger) (*Logger, error) {
	if err := ns.Ensure(); err != nil {
		return nil, err
	}
	s, err := openFileSink(ns, opts.Fsync)
	if err != nil {
		return nil, err
	}
	return start(sessionID, ns, opts, s, zlog)
}

func start(sessionID string, ns namespace.Namespace, opts Options, s sink, zlog *zap.Logger) (*Logger, error) {
	if zlog == nil {
		zlog = zap.NewNop()
	}
	opts = opts.withDefaults()

	last, err := lastPersistedSeq(ns.EventLogPath())
	if err != nil {
		return nil, fmt.Errorf("resume sequence: %w", err)
	}

	l := &Logger{
		sessionID: sessionID,
		ns:        ns,
		opts:      opts,
		log:       zlog.With(zap.String("session_id", sessionID)),
		sink:      s,
		nextSeq:   last + 1,
		queue:     make(chan model.Event, opts.QueueSize),
		flushReq:  make(chan chan error),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		grace:     opts.ShutdownGrace,
	}
	l.lastSeq.Store(last)

	go l.run()
	return l, nil
}

// EventOption decorates an event before it is enqueued.
type EventOption func(*model.Event)

// WithOwner attributes the event to a logical actor and copies it to that owner's stream.
func WithOwner(owner string) EventOption {
	return func(e *model.Event) { e.Owner = owner }
}

// WithParent links the event to an earlier event of the same session.
func WithParent(seq uint64) EventOption {
	return func(e *model.Event) { e.ParentSeq = seq }
}

// WithDuration records how long the described operation took.
func WithDuration(d time.Duration) EventOption {
	return func(e *model.Event) { e.DurationMS = float64(d.Microseconds()) / 1000 }
}

// Log enqueues an event without blocking and returns its sequence number.
// It returns 0 when the event was dropped because the queue was full or the
// logger is closed. A nil Logger drops everything.
func (l *Logger) Log(cat model.Category, sev model.Severity, msg string, payload map[string]any, opts ...EventOption) uint64 {
	if l == nil {
		return 0
	}

	ev := model.Event{
		Timestamp: time.Now().UTC().Truncate(time.Microsecond),
		SessionID: l.sessionID,
		Category:  cat,
		Severity:  sev,
		Message:   msg,
		Payload:   maps.Clone(payload),
	}
	for _, o := range opts {
		o(&ev)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.drop()
		return 0
	}
	ev.Seq = l.nextSeq
	select {
	case l.queue <- ev:
		l.nextSeq++
		l.lastSeq.Store(ev.Seq)
		l.mu.Unlock()
		return ev.Seq
	default:
		l.mu.Unlock()
		l.drop()
		return 0
	}
}

func (l *Logger) drop() {
	l.dropped.Add(1)
	droppedTotal.Add(1)
	metricEventsDropped.Inc()
}

// Flush blocks until every event enqueued before the call is durably written.
func (l *Logger) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case l.flushReq <- reply:
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting events, lets the worker drain the queue for at most
// grace, writes what remains and closes the streams. It returns ErrShutdownTimeout
// if the worker is still busy after the grace period; the final write then
// continues in the background.
func (l *Logger) Shutdown(grace time.Duration) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	if grace > 0 {
		l.grace = grace
	}
	wait := l.grace + finalFlushAllowance
	l.mu.Unlock()

	close(l.stop)

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-l.done:
		return nil
	case <-timer.C:
		l.log.Warn("event logger shutdown exceeded grace period", zap.Duration("grace", wait))
		return ErrShutdownTimeout
	}
}

// Close shuts the logger down with the configured grace period.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	return l.Shutdown(l.opts.ShutdownGrace)
}

// SessionID returns the id of the session this logger writes for.
func (l *Logger) SessionID() string { return l.sessionID }

// Stats are the logger's counters.
type Stats struct {
	Persisted   int64  `json:"persisted"`
	Dropped     int64  `json:"dropped"`
	FlushErrors int64  `json:"flush_errors"`
	Discarded   int64  `json:"discarded"`
	QueueLen    int    `json:"queue_len"`
	LastSeq     uint64 `json:"last_seq"`
}

// Stats returns a snapshot of the logger's counters.
func (l *Logger) Stats() Stats {
	return Stats{
		Persisted:   l.persisted.Load(),
		Dropped:     l.dropped.Load(),
		FlushErrors: l.flushErrors.Load(),
		Discarded:   l.discarded.Load(),
		QueueLen:    len(l.queue),
		LastSeq:     l.lastSeq.Load(),
	}
}
