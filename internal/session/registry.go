// Package session implements the session registry: identity, namespace
// isolation, lifecycle bookkeeping and reclamation of expired sessions.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rcliao/tiermem/internal/config"
	"github.com/rcliao/tiermem/internal/embedding"
	"github.com/rcliao/tiermem/internal/eventlog"
	"github.com/rcliao/tiermem/internal/memory"
	"github.com/rcliao/tiermem/internal/model"
	"github.com/rcliao/tiermem/internal/namespace"
	"github.com/rcliao/tiermem/internal/store"
)

var (
	// ErrNotFound is returned for an unknown session id.
	ErrNotFound = errors.New("session not found")
	// ErrStorageUnavailable is returned when a session namespace or record cannot be created.
	ErrStorageUnavailable = errors.New("session storage unavailable")
	// ErrArchived is returned when attaching to a session whose namespace was archived.
	ErrArchived = errors.New("session archived")
)

// Registry is the single authority for sessions under one root directory.
type Registry struct {
	cfg      config.Config
	root     string
	dbPath   string
	store    *store.SQLiteStore
	log      *zap.Logger
	audience memory.Comparator

	mu   sync.Mutex
	live map[string]*Handle
	// busy holds sessions being opened or archived; the channel closes when done.
	busy map[string]chan struct{}

	reclaimMu sync.Mutex

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Open opens the registry rooted at cfg.Root, creating it if needed. Unless
// disabled by configuration it reclaims expired sessions right away and then
// every reclaim interval until Close.
func Open(ctx context.Context, cfg config.Config, zlog *zap.Logger) (*Registry, error) {
	if zlog == nil {
		zlog = zap.NewNop()
	}
	r := &Registry{
		cfg:    cfg,
		root:   cfg.Root,
		dbPath: filepath.Join(cfg.Root, "registry.db"),
		log:    zlog,
		live:   map[string]*Handle{},
		busy:   map[string]chan struct{}{},
	}
	for _, dir := range []string{r.sessionsDir(), r.archiveDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	}

	st, err := store.NewSQLiteStore(r.dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	r.store = st

	embedder, err := embedding.New(cfg.Memory.Audience)
	if err != nil {
		st.Close()
		return nil, err
	}
	if embedder != nil {
		r.audience = embedding.NewComparator(embedder, 0, zlog)
	}

	interval := cfg.Session.ReclaimInterval.Std()
	if cfg.Session.ReclaimOnOpen || interval > 0 {
		r.stop = make(chan struct{})
		r.done = make(chan struct{})
		go r.reclaimLoop(cfg.Session.ReclaimOnOpen, interval)
	}
	return r, nil
}

func (r *Registry) sessionsDir() string { return filepath.Join(r.root, "sessions") }
func (r *Registry) archiveDir() string  { return filepath.Join(r.root, "archive") }

// Store returns the global record store shared by all sessions.
func (r *Registry) Store() *store.SQLiteStore { return r.store }

// Config returns the configuration the registry was opened with.
func (r *Registry) Config() config.Config { return r.cfg }

// DBPath returns the path of the global SQLite database.
func (r *Registry) DBPath() string { return r.dbPath }

// Templates returns a template index over the global store, for use outside a session.
func (r *Registry) Templates() *memory.TemplateIndex {
	mopts := memory.OptionsFromConfig(r.cfg.Memory)
	return memory.NewTemplateIndex(r.store, memory.TemplateOptions{
		Threshold: mopts.TemplateThreshold,
		Weights:   mopts.Weights,
		Audience:  r.audience,
	}, r.log)
}

// CreateSession allocates a new session with its own namespace, records it as
// active and returns its live handle. It fails only when storage is unavailable.
func (r *Registry) CreateSession(ctx context.Context, label string, metadata map[string]string) (*Handle, error) {
	var (
		id string
		ns namespace.Namespace
	)
	for attempt := 0; ; attempt++ {
		id = uuid.NewString()
		ns = namespace.For(r.sessionsDir(), id)
		err := ns.Create()
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) || attempt == 2 {
			return nil, fmt.Errorf("%w: create namespace: %v", ErrStorageUnavailable, err)
		}
	}

	m := model.Manifest{
		ID:        id,
		Label:     label,
		Status:    model.StatusActive,
		Namespace: ns.Root,
		CreatedAt: time.Now().UTC(),
		Metadata:  maps.Clone(metadata),
	}
	if err := r.writeManifest(ctx, m); err != nil {
		os.RemoveAll(ns.Root)
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	h, err := r.open(m)
	if err != nil {
		os.RemoveAll(ns.Root)
		r.store.DeleteSession(ctx, id)
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	metricSessionsCreated.Inc()
	h.Logger.Log(model.CategoryLifecycle, model.SeverityInfo, "session created",
		map[string]any{"label": label, "namespace": ns.Root})
	r.log.Info("session created", zap.String("session_id", id), zap.String("label", label))
	return h, nil
}

// open starts the logger and memory manager of a session and registers the handle.
func (r *Registry) open(m model.Manifest) (*Handle, error) {
	ns := namespace.Namespace{Root: m.Namespace}
	lg, err := eventlog.New(m.ID, ns, eventlog.OptionsFromConfig(r.cfg.EventLog), r.log)
	if err != nil {
		return nil, fmt.Errorf("start event logger: %w", err)
	}

	mopts := memory.OptionsFromConfig(r.cfg.Memory)
	mopts.Audience = r.audience
	mopts.Events = lg
	mopts.ItemTimeout = r.cfg.Session.ReclaimItemTimeout.Std()
	mem, err := memory.New(m.ID, ns, r.store, mopts, r.log)
	if err != nil {
		lg.Close()
		return nil, fmt.Errorf("start memory manager: %w", err)
	}

	h := &Handle{ID: m.ID, Namespace: ns, Logger: lg, Memory: mem, createdAt: m.CreatedAt}
	r.mu.Lock()
	r.live[m.ID] = h
	r.mu.Unlock()
	return h, nil
}

// writeManifest persists the manifest to the namespace file and the global index.
func (r *Registry) writeManifest(ctx context.Context, m model.Manifest) error {
	if m.Status != model.StatusArchived {
		data, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			return fmt.Errorf("encode manifest: %w", err)
		}
		ns := namespace.Namespace{Root: m.Namespace}
		if err := namespace.WriteFileAtomic(ns.ManifestPath(), data); err != nil {
			return fmt.Errorf("write manifest: %w", err)
		}
	}
	if err := r.store.PutSession(ctx, m); err != nil {
		return fmt.Errorf("index manifest: %w", err)
	}
	return nil
}

// CompleteParams holds the outcome of a finished session.
type CompleteParams struct {
	QualityScore *float64
	ErrorCount   int
}

// CompleteSession marks an active session completed and records its duration,
// outcome and logger counters. Completing a session that is no longer active
// returns its manifest unchanged.
func (r *Registry) CompleteSession(ctx context.Context, id string, p CompleteParams) (model.Manifest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.Get(ctx, id)
	if err != nil {
		return m, err
	}
	if m.Status != model.StatusActive {
		return m, nil
	}

	now := time.Now().UTC()
	m.Status = model.StatusCompleted
	m.CompletedAt = &now
	m.DurationSeconds = now.Sub(m.CreatedAt).Seconds()
	m.QualityScore = p.QualityScore
	m.ErrorCount = p.ErrorCount

	if h := r.live[id]; h != nil {
		payload := map[string]any{"error_count": p.ErrorCount, "duration_seconds": m.DurationSeconds}
		if p.QualityScore != nil {
			payload["quality_score"] = *p.QualityScore
		}
		h.Logger.Log(model.CategoryLifecycle, model.SeverityInfo, "session completed", payload)

		flushCtx, cancel := context.WithTimeout(ctx, r.cfg.EventLog.ShutdownGrace.Std())
		if err := h.Logger.Flush(flushCtx); err != nil {
			r.log.Warn("flush events on completion", zap.String("session_id", id), zap.Error(err))
		}
		cancel()
		st := h.Logger.Stats()
		m.DroppedEvents = st.Dropped
		m.LoggerErrors = st.FlushErrors
	}

	if err := r.writeManifest(ctx, m); err != nil {
		return m, err
	}
	r.log.Info("session completed", zap.String("session_id", id), zap.Float64("duration_seconds", m.DurationSeconds))
	return m, nil
}

// ListSessions returns manifests matching f, newest first.
func (r *Registry) ListSessions(ctx context.Context, f store.SessionFilter) ([]model.Manifest, error) {
	return r.store.ListSessions(ctx, f)
}

// Get returns the manifest of a session.
func (r *Registry) Get(ctx context.Context, id string) (model.Manifest, error) {
	m, err := r.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return m, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m, err
}

// Attach returns a live handle for an existing session, reopening its logger
// and memory manager if needed. Event sequence numbers continue after the last
// persisted event.
func (r *Registry) Attach(ctx context.Context, id string) (*Handle, error) {
	for {
		r.mu.Lock()
		if h := r.live[id]; h != nil {
			r.mu.Unlock()
			return h, nil
		}
		if wait, ok := r.busy[id]; ok {
			r.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		release := r.claimLocked(id)
		r.mu.Unlock()

		h, err := r.attach(ctx, id)
		release()
		return h, err
	}
}

// claimLocked marks id busy until the returned func is called. Caller holds r.mu.
func (r *Registry) claimLocked(id string) func() {
	done := make(chan struct{})
	r.busy[id] = done
	return func() {
		r.mu.Lock()
		delete(r.busy, id)
		r.mu.Unlock()
		close(done)
	}
}

// claimIdle marks id busy if it has no live handle and nothing else holds it.
func (r *Registry) claimIdle(id string) (func(), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.live[id] != nil || r.busy[id] != nil {
		return nil, false
	}
	return r.claimLocked(id), true
}

func (r *Registry) attach(ctx context.Context, id string) (*Handle, error) {
	m, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status == model.StatusArchived {
		return nil, fmt.Errorf("%w: %s", ErrArchived, id)
	}
	ns := namespace.Namespace{Root: m.Namespace}
	if !ns.Exists() {
		return nil, fmt.Errorf("%w: namespace of %s is missing", ErrStorageUnavailable, id)
	}
	return r.open(m)
}

// CloseSession shuts down the live handle of a session, if any.
func (r *Registry) CloseSession(id string) error {
	r.mu.Lock()
	h := r.live[id]
	delete(r.live, id)
	r.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Close()
}

// Live reports whether a session has an open handle in this registry.
func (r *Registry) Live(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live[id] != nil
}

// Close stops background reclamation, closes every live session concurrently
// and closes the global store.
func (r *Registry) Close() error {
	var err error
	r.closeOnce.Do(func() {
		if r.stop != nil {
			close(r.stop)
			<-r.done
		}

		r.mu.Lock()
		handles := make([]*Handle, 0, len(r.live))
		for _, h := range r.live {
			handles = append(handles, h)
		}
		r.live = map[string]*Handle{}
		r.mu.Unlock()

		var g errgroup.Group
		for _, h := range handles {
			g.Go(h.Close)
		}
		err = errors.Join(g.Wait(), r.store.Close())
	})
	return err
}
