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

// PutTemplate stores the template payload in the long-term tier and its summary
// in the template index, atomically.
func (s *SQLiteStore) PutTemplate(ctx context.Context, t model.Template) error {
	tagsJSON, err := json.Marshal(t.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = s.putLongTerm(ctx, tx, model.Entry{
		Owner:     TemplateOwner,
		Key:       t.ID,
		Value:     t.Payload,
		CreatedAt: t.CreatedAt,
	}, t.SessionID, true)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO templates (id, category, tags, audience, quality_score, session_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Category, string(tagsJSON), t.Audience, t.QualityScore, t.SessionID, formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}

	return tx.Commit()
}

// GetTemplate returns a template including its payload.
func (s *SQLiteStore) GetTemplate(ctx context.Context, id string) (model.Template, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT t.id, t.category, t.tags, t.audience, t.quality_score, t.session_id, t.created_at, l.value
		 FROM templates t LEFT JOIN longterm l ON l.hash = ?
		 WHERE t.id = ?`, LongTermHash(TemplateOwner, id), id)

	var payload []byte
	t, err := scanTemplate(row, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return t, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return t, err
	}
	t.Payload = payload
	return t, nil
}

// ListTemplates returns template summaries (without payload) matching the filter.
func (s *SQLiteStore) ListTemplates(ctx context.Context, f TemplateFilter) ([]model.Template, error) {
	where := []string{"quality_score >= ?"}
	args := []interface{}{f.MinQuality}
	if f.Category != "" {
		where = append(where, "LOWER(category) = LOWER(?)")
		args = append(args, f.Category)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, category, tags, audience, quality_score, session_id, created_at
		 FROM templates WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []model.Template
	for rows.Next() {
		t, err := scanTemplate(rows, nil)
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// DeleteTemplate removes a template and its payload. Templates are never swept
// automatically; this is the administrative path.
func (s *SQLiteStore) DeleteTemplate(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM templates WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM longterm WHERE hash = ?`, LongTermHash(TemplateOwner, id)); err != nil {
		return err
	}
	return tx.Commit()
}

func scanTemplate(row scanner, payload *[]byte) (model.Template, error) {
	var t model.Template
	var tagsJSON, audience, sessionID sql.NullString
	var createdAt string

	dest := []interface{}{&t.ID, &t.Category, &tagsJSON, &audience, &t.QualityScore, &sessionID, &createdAt}
	if payload != nil {
		dest = append(dest, payload)
	}
	if err := row.Scan(dest...); err != nil {
		return t, err
	}

	t.Audience = audience.String
	t.SessionID = sessionID.String
	t.CreatedAt = parseTime(createdAt)
	if tagsJSON.Valid {
		json.Unmarshal([]byte(tagsJSON.String), &t.Tags)
	}
	return t, nil
}
