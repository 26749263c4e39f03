// Package memory implements the per-session tiered memory manager.
//
// Entries live in one of four tiers: working (in-process only), short_term and
// shared (files in the session namespace) and long_term (the global SQLite
// store, surviving the session). A bounded LRU cache fronts every tier.
// Retrieval never fails: corrupt or unreadable entries are logged and reported
// as misses.
package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/tiermem/internal/config"
	"github.com/rcliao/tiermem/internal/eventlog"
	"github.com/rcliao/tiermem/internal/model"
	"github.com/rcliao/tiermem/internal/namespace"
	"github.com/rcliao/tiermem/internal/store"
)

var (
	ErrInvalidTier    = errors.New("invalid memory tier")
	ErrEmptyKey       = errors.New("memory key must not be empty")
	ErrReservedOwner  = errors.New("owner is reserved")
	ErrBelowThreshold = errors.New("quality score below template threshold")
	ErrClosed         = errors.New("memory manager closed")
)

// EventLogger is the part of the session event logger the manager reports to.
type EventLogger interface {
	Log(cat model.Category, sev model.Severity, msg string, payload map[string]any, opts ...eventlog.EventOption) uint64
}

type nopEvents struct{}

func (nopEvents) Log(model.Category, model.Severity, string, map[string]any, ...eventlog.EventOption) uint64 {
	return 0
}

// Options configures a Manager.
type Options struct {
	CacheSize         int
	LongTermExpiry    time.Duration
	TemplateThreshold float64
	Weights           Weights
	// Audience compares template audiences; nil means TokenOverlap.
	Audience Comparator
	// ItemTimeout bounds each deletion during a reclamation sweep.
	ItemTimeout time.Duration
	Events      EventLogger
}

// DefaultOptions returns the default manager options.
func DefaultOptions() Options {
	return Options{
		CacheSize:         100,
		LongTermExpiry:    30 * 24 * time.Hour,
		TemplateThreshold: 85,
		Weights:           DefaultWeights(),
		ItemTimeout:       30 * time.Second,
	}
}

// OptionsFromConfig converts the memory section of the configuration.
// The audience comparator and event logger are left for the caller to set.
func OptionsFromConfig(c config.MemoryConfig) Options {
	o := DefaultOptions()
	o.CacheSize = c.CacheSize
	o.LongTermExpiry = c.LongTermExpiry.Std()
	o.TemplateThreshold = c.TemplateThreshold
	o.Weights = Weights{Category: c.Weights.Category, Tags: c.Weights.Tags, Audience: c.Weights.Audience}
	return o
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.CacheSize <= 0 {
		o.CacheSize = d.CacheSize
	}
	if o.LongTermExpiry <= 0 {
		o.LongTermExpiry = d.LongTermExpiry
	}
	if o.TemplateThreshold <= 0 {
		o.TemplateThreshold = d.TemplateThreshold
	}
	if o.Weights.sum() <= 0 {
		o.Weights = d.Weights
	}
	if o.Audience == nil {
		o.Audience = TokenOverlap{}
	}
	if o.ItemTimeout <= 0 {
		o.ItemTimeout = d.ItemTimeout
	}
	if o.Events == nil {
		o.Events = nopEvents{}
	}
	return o
}

// Manager is the tiered memory of one session. It is safe for concurrent use.
type Manager struct {
	sessionID string
	ns        namespace.Namespace
	store     store.Store
	opts      Options
	events    EventLogger
	log       *zap.Logger
	cache     *cache
	templates *TemplateIndex

	// One lock per tier. A store or a cache-miss load holds its tier's lock
	// across the backing write or read and the cache update, so the cache never
	// holds a value older than the backing copy.
	workingMu sync.Mutex
	shortMu   sync.Mutex
	sharedMu  sync.Mutex
	longMu    sync.Mutex

	working map[string]map[string]model.Entry // owner -> key

	touchMu sync.Mutex
	touches map[cacheKey]touch

	corrupt atomic.Int64
	closed  atomic.Bool
}

type touch struct {
	at   time.Time
	hits int64
}

// New creates the memory manager of a session.
func New(sessionID string, ns namespace.Namespace, st store.Store, opts Options, zlog *zap.Logger) (*Manager, error) {
	if zlog == nil {
		zlog = zap.NewNop()
	}
	opts = opts.withDefaults()
	c, err := newCache(opts.CacheSize)
	if err != nil {
		return nil, err
	}
	zlog = zlog.With(zap.String("session_id", sessionID))
	return &Manager{
		sessionID: sessionID,
		ns:        ns,
		store:     st,
		opts:      opts,
		events:    opts.Events,
		log:       zlog,
		cache:     c,
		templates: NewTemplateIndex(st, TemplateOptions{
			Threshold: opts.TemplateThreshold,
			Weights:   opts.Weights,
			Audience:  opts.Audience,
		}, zlog),
		working: map[string]map[string]model.Entry{},
		touches: map[cacheKey]touch{},
	}, nil
}

// SessionID returns the id of the owning session.
func (m *Manager) SessionID() string { return m.sessionID }

// Templates returns the template index the manager saves to and searches.
func (m *Manager) Templates() *TemplateIndex { return m.templates }

func (m *Manager) tierLock(tier model.Tier) *sync.Mutex {
	switch tier {
	case model.TierWorking:
		return &m.workingMu
	case model.TierShortTerm:
		return &m.shortMu
	case model.TierShared:
		return &m.sharedMu
	default:
		return &m.longMu
	}
}

func validate(owner, key string, tier model.Tier) error {
	if !model.ValidTiers[tier] {
		return fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}
	if key == "" {
		return ErrEmptyKey
	}
	if tier == model.TierLongTerm && owner == store.TemplateOwner {
		return fmt.Errorf("%w: %q", ErrReservedOwner, owner)
	}
	return nil
}

// Store writes value under (owner, key, tier), replacing any previous value.
// The original creation time of a replaced entry is kept.
func (m *Manager) Store(ctx context.Context, owner, key string, value []byte, tier model.Tier) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if err := validate(owner, key, tier); err != nil {
		return err
	}

	now := time.Now().UTC()
	e := model.Entry{
		Owner:          owner,
		Key:            key,
		Value:          bytes.Clone(value),
		Tier:           tier,
		CreatedAt:      now,
		LastAccessedAt: now,
		Size:           len(value),
	}
	k := cacheKey{owner: owner, key: key, tier: tier}

	mu := m.tierLock(tier)
	mu.Lock()
	defer mu.Unlock()

	if prev, ok := m.cache.peek(k); ok {
		e.CreatedAt = prev.CreatedAt
	}

	var err error
	switch tier {
	case model.TierWorking:
		if prev, ok := m.working[owner][key]; ok {
			e.CreatedAt = prev.CreatedAt
		}
		if m.working[owner] == nil {
			m.working[owner] = map[string]model.Entry{}
		}
		m.working[owner][key] = e
	case model.TierShortTerm, model.TierShared:
		err = retryOnce(func() error { return m.writeFileEntry(&e) })
	case model.TierLongTerm:
		err = retryOnce(func() error {
			stored, err := m.store.PutLongTerm(ctx, e, m.sessionID)
			if err == nil {
				e = stored
			}
			return err
		})
		m.dropTouch(k)
	}
	if err != nil {
		m.log.Warn("memory store failed", zap.String("tier", string(tier)), zap.String("owner", owner), zap.String("key", key), zap.Error(err))
		m.events.Log(model.CategoryWarning, model.SeverityWarning, "memory store failed",
			map[string]any{"tier": string(tier), "key": key, "error": err.Error()}, eventlog.WithOwner(owner))
		return fmt.Errorf("store %s/%s in %s: %w", owner, key, tier, err)
	}

	m.cache.add(k, e)
	m.events.Log(model.CategoryCacheOp, model.SeverityDebug, "memory store",
		map[string]any{"operation": "store", "tier": string(tier), "key": key, "size": e.Size}, eventlog.WithOwner(owner))
	return nil
}

// Retrieve returns the value stored under (owner, key, tier). It reports false
// for missing, cleared, expired, corrupt or unreadable entries.
func (m *Manager) Retrieve(ctx context.Context, owner, key string, tier model.Tier) ([]byte, bool) {
	e, ok := m.retrieve(ctx, owner, key, tier)
	if !ok {
		return nil, false
	}
	return bytes.Clone(e.Value), true
}

func (m *Manager) retrieve(ctx context.Context, owner, key string, tier model.Tier) (model.Entry, bool) {
	if m.closed.Load() || validate(owner, key, tier) != nil {
		return model.Entry{}, false
	}
	k := cacheKey{owner: owner, key: key, tier: tier}

	if e, ok := m.cache.get(k); ok {
		if tier == model.TierLongTerm {
			m.noteTouch(k, e.LastAccessedAt)
		}
		return e, true
	}

	mu := m.tierLock(tier)
	mu.Lock()
	defer mu.Unlock()

	// Another goroutine may have loaded it while we waited.
	if e, ok := m.cache.peek(k); ok {
		return e, true
	}

	e, ok := m.load(ctx, owner, key, tier)
	if !ok {
		return model.Entry{}, false
	}
	m.cache.add(k, e)
	return e, true
}

// load reads an entry from its backing tier. Caller holds the tier lock.
func (m *Manager) load(ctx context.Context, owner, key string, tier model.Tier) (model.Entry, bool) {
	switch tier {
	case model.TierWorking:
		e, ok := m.working[owner][key]
		return e, ok

	case model.TierShortTerm, model.TierShared:
		var e model.Entry
		err := retryOnce(func() error {
			var err error
			e, err = m.readFileEntry(owner, key, tier)
			if errors.Is(err, errMissing) || errors.Is(err, errCorrupt) {
				return permanent(err)
			}
			return err
		})
		if err != nil {
			m.readFailed(owner, key, tier, err)
			return model.Entry{}, false
		}
		return e, true

	default:
		var e model.Entry
		err := retryOnce(func() error {
			var err error
			e, err = m.store.GetLongTerm(ctx, owner, key)
			if errors.Is(err, store.ErrNotFound) {
				return permanent(errMissing)
			}
			return err
		})
		if err == nil && store.Checksum(e.Value) != e.Checksum {
			err = fmt.Errorf("%w: checksum mismatch", errCorrupt)
		}
		if err != nil {
			m.readFailed(owner, key, tier, err)
			return model.Entry{}, false
		}
		return e, true
	}
}

// readFailed accounts for a miss. Plain absence is silent; anything else is a
// degraded read reported through the event log.
func (m *Manager) readFailed(owner, key string, tier model.Tier, err error) {
	if errors.Is(err, errMissing) {
		return
	}
	msg := "memory read failed"
	if errors.Is(err, errCorrupt) {
		msg = "corrupt memory entry"
		m.corrupt.Add(1)
		metricCorruptEntries.Inc()
	}
	m.log.Warn(msg, zap.String("tier", string(tier)), zap.String("owner", owner), zap.String("key", key), zap.Error(err))
	m.events.Log(model.CategoryWarning, model.SeverityWarning, msg,
		map[string]any{"tier": string(tier), "key": key, "error": err.Error()}, eventlog.WithOwner(owner))
}

// ClearWorking drops every working entry of owner. It is idempotent.
func (m *Manager) ClearWorking(owner string) int {
	m.workingMu.Lock()
	defer m.workingMu.Unlock()

	entries := m.working[owner]
	for key := range entries {
		m.cache.remove(cacheKey{owner: owner, key: key, tier: model.TierWorking})
	}
	delete(m.working, owner)

	if n := len(entries); n > 0 {
		m.events.Log(model.CategoryCacheOp, model.SeverityDebug, "working memory cleared",
			map[string]any{"operation": "clear_working", "entries": n}, eventlog.WithOwner(owner))
	}
	return len(entries)
}

// Close writes pending long-term access updates and releases in-process state.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ItemTimeout)
	defer cancel()
	err := m.flushTouches(ctx)

	m.workingMu.Lock()
	m.working = map[string]map[string]model.Entry{}
	m.workingMu.Unlock()
	m.cache.purge()
	return err
}

var (
	errMissing = errors.New("entry not found")
	errCorrupt = errors.New("entry corrupt")
)

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

func permanent(err error) error { return permanentError{err} }

// retryOnce runs fn again after a failure unless the failure is permanent.
func retryOnce(fn func() error) error {
	err := fn()
	var p permanentError
	if err == nil || errors.As(err, &p) {
		return err
	}
	return fn()
}
