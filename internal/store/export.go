package store

import (
	"context"
	"strings"

	"github.com/rcliao/tiermem/internal/model"
)

// Export is a dump of the durable cross-session records.
type Export struct {
	LongTerm  []model.Entry    `json:"long_term"`
	Templates []model.Template `json:"templates"`
}

// ExportAll returns every non-template long-term entry, optionally filtered by owner,
// plus every template with its payload.
func (s *SQLiteStore) ExportAll(ctx context.Context, owner string) (*Export, error) {
	where := []string{"is_template = 0"}
	args := []interface{}{}

	if owner != "" {
		where = append(where, "owner = ?")
		args = append(args, owner)
	}

	query := `SELECT owner, key, value, checksum, size, created_at, last_accessed_at, access_count
	          FROM longterm WHERE ` + strings.Join(where, " AND ") + ` ORDER BY owner, key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := &Export{}
	for rows.Next() {
		e := model.Entry{Tier: model.TierLongTerm}
		var createdAt, accessed string
		if err := rows.Scan(&e.Owner, &e.Key, &e.Value, &e.Checksum, &e.Size, &createdAt, &accessed, &e.AccessCount); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(createdAt)
		e.LastAccessedAt = parseTime(accessed)
		out.LongTerm = append(out.LongTerm, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	summaries, err := s.ListTemplates(ctx, TemplateFilter{})
	if err != nil {
		return nil, err
	}
	for _, sum := range summaries {
		t, err := s.GetTemplate(ctx, sum.ID)
		if err != nil {
			return nil, err
		}
		out.Templates = append(out.Templates, t)
	}
	return out, nil
}

// Import restores long-term entries and templates from an export.
// Existing entries with the same (owner, key) or template id are overwritten.
func (s *SQLiteStore) Import(ctx context.Context, exp *Export) (int, error) {
	imported := 0
	for _, e := range exp.LongTerm {
		if _, err := s.PutLongTerm(ctx, e, ""); err != nil {
			return imported, err
		}
		imported++
	}
	for _, t := range exp.Templates {
		if err := s.PutTemplate(ctx, t); err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}
