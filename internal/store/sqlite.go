package store

import (
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	entropyMu sync.Mutex
	entropy   *rand.Rand
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{
		db:      db,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// NewID returns a new time-sortable identifier.
func (s *SQLiteStore) NewID() string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id               TEXT PRIMARY KEY,
		label            TEXT,
		status           TEXT NOT NULL DEFAULT 'active',
		namespace        TEXT NOT NULL,
		created_at       TEXT NOT NULL,
		completed_at     TEXT,
		archived_at      TEXT,
		duration_seconds REAL NOT NULL DEFAULT 0,
		quality_score    REAL,
		error_count      INTEGER NOT NULL DEFAULT 0,
		dropped_events   INTEGER NOT NULL DEFAULT 0,
		logger_errors    INTEGER NOT NULL DEFAULT 0,
		metadata         TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, created_at DESC);

	CREATE TABLE IF NOT EXISTS longterm (
		hash             TEXT PRIMARY KEY,
		owner            TEXT NOT NULL,
		key              TEXT NOT NULL,
		value            BLOB,
		checksum         TEXT NOT NULL,
		size             INTEGER NOT NULL,
		session_id       TEXT,
		is_template      INTEGER NOT NULL DEFAULT 0,
		created_at       TEXT NOT NULL,
		last_accessed_at TEXT NOT NULL,
		access_count     INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_longterm_owner ON longterm(owner, key);
	CREATE INDEX IF NOT EXISTS idx_longterm_accessed ON longterm(is_template, last_accessed_at);

	CREATE TABLE IF NOT EXISTS templates (
		id            TEXT PRIMARY KEY,
		category      TEXT NOT NULL,
		tags          TEXT,
		audience      TEXT,
		quality_score REAL NOT NULL,
		session_id    TEXT,
		created_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_templates_category ON templates(category);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

func nullTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}
