package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rcliao/tiermem/internal/model"
)

// LongTermHash is the content-addressed lookup key of an (owner, key) pair.
func LongTermHash(owner, key string) string {
	sum := sha256.Sum256([]byte(owner + "\x00" + key))
	return hex.EncodeToString(sum[:])
}

// Checksum is the integrity digest stored alongside every long-term value.
func Checksum(value []byte) string {
	sum := sha256.Sum256(value)
	return hex.EncodeToString(sum[:])
}

// PutLongTerm upserts a long-term entry. On overwrite the original created_at is kept
// and the access counters are reset.
func (s *SQLiteStore) PutLongTerm(ctx context.Context, e model.Entry, sessionID string) (model.Entry, error) {
	return s.putLongTerm(ctx, s.db, e, sessionID, false)
}

type execQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *SQLiteStore) putLongTerm(ctx context.Context, q execQuerier, e model.Entry, sessionID string, template bool) (model.Entry, error) {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.Tier = model.TierLongTerm
	e.Size = len(e.Value)
	e.Checksum = Checksum(e.Value)
	e.LastAccessedAt = now
	e.AccessCount = 0

	isTemplate := 0
	if template {
		isTemplate = 1
	}

	var createdAt string
	err := q.QueryRowContext(ctx,
		`INSERT INTO longterm (hash, owner, key, value, checksum, size, session_id, is_template, created_at, last_accessed_at, access_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		 ON CONFLICT(hash) DO UPDATE SET
			value = excluded.value,
			checksum = excluded.checksum,
			size = excluded.size,
			session_id = excluded.session_id,
			last_accessed_at = excluded.last_accessed_at,
			access_count = 0
		 RETURNING created_at`,
		LongTermHash(e.Owner, e.Key), e.Owner, e.Key, e.Value, e.Checksum, e.Size, sessionID,
		isTemplate, formatTime(e.CreatedAt), formatTime(now)).Scan(&createdAt)
	if err != nil {
		return e, fmt.Errorf("upsert longterm: %w", err)
	}
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}

// GetLongTerm loads a long-term entry by owner and key and records the access.
// The stored checksum is returned as-is; callers verify it against the value.
func (s *SQLiteStore) GetLongTerm(ctx context.Context, owner, key string) (model.Entry, error) {
	hash := LongTermHash(owner, key)
	e := model.Entry{Tier: model.TierLongTerm}
	var createdAt, lastAccessed string

	err := s.db.QueryRowContext(ctx,
		`SELECT owner, key, value, checksum, size, created_at, last_accessed_at, access_count
		 FROM longterm WHERE hash = ?`, hash).Scan(
		&e.Owner, &e.Key, &e.Value, &e.Checksum, &e.Size, &createdAt, &lastAccessed, &e.AccessCount)
	if errors.Is(err, sql.ErrNoRows) {
		return e, fmt.Errorf("longterm %s/%s: %w", owner, key, ErrNotFound)
	}
	if err != nil {
		return e, err
	}
	e.CreatedAt = parseTime(createdAt)

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE longterm SET access_count = access_count + 1, last_accessed_at = ? WHERE hash = ?`,
		formatTime(now), hash); err == nil {
		e.AccessCount++
		e.LastAccessedAt = now
	} else {
		e.LastAccessedAt = parseTime(lastAccessed)
	}
	return e, nil
}

// TouchLongTerm records hits that were served from a cache.
func (s *SQLiteStore) TouchLongTerm(ctx context.Context, owner, key string, at time.Time, hits int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE longterm SET access_count = access_count + ?,
			last_accessed_at = MAX(last_accessed_at, ?)
		 WHERE hash = ?`,
		hits, formatTime(at), LongTermHash(owner, key))
	return err
}

// ExpiredLongTerm lists non-template entries last accessed before the cutoff.
func (s *SQLiteStore) ExpiredLongTerm(ctx context.Context, before time.Time) ([]LongTermRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT hash, owner, key, size, last_accessed_at FROM longterm
		 WHERE is_template = 0 AND last_accessed_at < ?
		 ORDER BY last_accessed_at`, formatTime(before))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []LongTermRef
	for rows.Next() {
		var r LongTermRef
		var accessed string
		if err := rows.Scan(&r.Hash, &r.Owner, &r.Key, &r.Size, &accessed); err != nil {
			return nil, err
		}
		r.LastAccessedAt = parseTime(accessed)
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// DeleteLongTerm removes a non-template long-term entry by hash.
func (s *SQLiteStore) DeleteLongTerm(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM longterm WHERE hash = ? AND is_template = 0`, hash)
	return err
}
