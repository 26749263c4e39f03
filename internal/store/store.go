// Package store provides the global SQLite-backed records shared by all sessions:
// the session index, the long-term entry index with its blobs, and the template index.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rcliao/tiermem/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// TemplateOwner is the long-term owner under which template payloads are stored.
const TemplateOwner = "_template"

// SessionFilter holds parameters for listing session manifests.
type SessionFilter struct {
	Status          model.SessionStatus
	MinQuality      *float64
	CompletedBefore time.Time // zero means no bound
	Limit           int       // 0 means unlimited
}

// TemplateFilter holds parameters for listing template summaries.
type TemplateFilter struct {
	Category   string
	MinQuality float64
}

// LongTermRef identifies a long-term entry without its value.
type LongTermRef struct {
	Hash           string    `json:"hash"`
	Owner          string    `json:"owner"`
	Key            string    `json:"key"`
	Size           int       `json:"size"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// Store defines the global record storage used by the session registry and memory managers.
type Store interface {
	PutSession(ctx context.Context, m model.Manifest) error
	GetSession(ctx context.Context, id string) (model.Manifest, error)
	ListSessions(ctx context.Context, f SessionFilter) ([]model.Manifest, error)
	DeleteSession(ctx context.Context, id string) error

	// PutLongTerm upserts a long-term entry, preserving its original creation time.
	PutLongTerm(ctx context.Context, e model.Entry, sessionID string) (model.Entry, error)
	// GetLongTerm loads a long-term entry and records the access.
	GetLongTerm(ctx context.Context, owner, key string) (model.Entry, error)
	TouchLongTerm(ctx context.Context, owner, key string, at time.Time, hits int64) error
	ExpiredLongTerm(ctx context.Context, before time.Time) ([]LongTermRef, error)
	DeleteLongTerm(ctx context.Context, hash string) error

	PutTemplate(ctx context.Context, t model.Template) error
	GetTemplate(ctx context.Context, id string) (model.Template, error)
	ListTemplates(ctx context.Context, f TemplateFilter) ([]model.Template, error)
	DeleteTemplate(ctx context.Context, id string) error

	// NewID returns a new time-sortable identifier for stored records.
	NewID() string

	Close() error
}
