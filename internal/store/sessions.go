package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rcliao/tiermem/internal/model"
)

const sessionColumns = `id, label, status, namespace, created_at, completed_at, archived_at,
	duration_seconds, quality_score, error_count, dropped_events, logger_errors, metadata`

// PutSession inserts or replaces a session manifest in the index.
func (s *SQLiteStore) PutSession(ctx context.Context, m model.Manifest) error {
	var metaJSON *string
	if len(m.Metadata) > 0 {
		b, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		str := string(b)
		metaJSON = &str
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			label = excluded.label,
			status = excluded.status,
			namespace = excluded.namespace,
			completed_at = excluded.completed_at,
			archived_at = excluded.archived_at,
			duration_seconds = excluded.duration_seconds,
			quality_score = excluded.quality_score,
			error_count = excluded.error_count,
			dropped_events = excluded.dropped_events,
			logger_errors = excluded.logger_errors,
			metadata = excluded.metadata`,
		m.ID, m.Label, string(m.Status), m.Namespace, formatTime(m.CreatedAt),
		nullTime(m.CompletedAt), nullTime(m.ArchivedAt), m.DurationSeconds, m.QualityScore,
		m.ErrorCount, m.DroppedEvents, m.LoggerErrors, metaJSON)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// GetSession returns the manifest of one session.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (model.Manifest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	m, err := scanManifest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return m, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return m, err
}

// ListSessions returns manifests matching the filter, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, f SessionFilter) ([]model.Manifest, error) {
	var where []string
	var args []interface{}

	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.MinQuality != nil {
		where = append(where, "quality_score IS NOT NULL AND quality_score >= ?")
		args = append(args, *f.MinQuality)
	}
	if !f.CompletedBefore.IsZero() {
		where = append(where, "COALESCE(completed_at, created_at) < ?")
		args = append(args, formatTime(f.CompletedBefore))
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var manifests []model.Manifest
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}
	return manifests, rows.Err()
}

func scanManifest(row scanner) (model.Manifest, error) {
	var m model.Manifest
	var label, completedAt, archivedAt, metaJSON sql.NullString
	var quality sql.NullFloat64
	var status, createdAt string

	err := row.Scan(
		&m.ID, &label, &status, &m.Namespace, &createdAt, &completedAt, &archivedAt,
		&m.DurationSeconds, &quality, &m.ErrorCount, &m.DroppedEvents, &m.LoggerErrors, &metaJSON,
	)
	if err != nil {
		return m, err
	}

	m.Label = label.String
	m.Status = model.SessionStatus(status)
	m.CreatedAt = parseTime(createdAt)
	m.CompletedAt = parseNullTime(completedAt)
	m.ArchivedAt = parseNullTime(archivedAt)
	if quality.Valid {
		q := quality.Float64
		m.QualityScore = &q
	}
	if metaJSON.Valid {
		json.Unmarshal([]byte(metaJSON.String), &m.Metadata)
	}
	return m, nil
}

// DeleteSession removes a session record. It is used only to roll back a
// session whose creation failed part way.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}
