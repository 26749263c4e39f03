package store

import (
	"context"
	"os"
)

// Stats holds aggregate figures over the global index.
type Stats struct {
	DBPath          string         `json:"db_path"`
	DBSizeBytes     int64          `json:"db_size_bytes"`
	TotalSessions   int            `json:"total_sessions"`
	ByStatus        map[string]int `json:"by_status"`
	AvgDuration     float64        `json:"avg_duration_seconds"`
	AvgQuality      float64        `json:"avg_quality_score"`
	TotalErrors     int            `json:"total_errors"`
	TotalDropped    int64          `json:"total_dropped_events"`
	LongTermEntries int            `json:"long_term_entries"`
	LongTermBytes   int64          `json:"long_term_bytes"`
	Templates       int            `json:"templates"`
}

// Stats returns database statistics.
func (s *SQLiteStore) Stats(ctx context.Context, dbPath string) (*Stats, error) {
	st := &Stats{DBPath: dbPath, ByStatus: map[string]int{}}

	if info, err := os.Stat(dbPath); err == nil {
		st.DBSizeBytes = info.Size()
	}

	s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(error_count), 0), COALESCE(SUM(dropped_events), 0)
		FROM sessions`).Scan(&st.TotalSessions, &st.TotalErrors, &st.TotalDropped)
	s.db.QueryRowContext(ctx, `SELECT COALESCE(AVG(duration_seconds), 0) FROM sessions WHERE duration_seconds > 0`).Scan(&st.AvgDuration)
	s.db.QueryRowContext(ctx, `SELECT COALESCE(AVG(quality_score), 0) FROM sessions WHERE quality_score IS NOT NULL`).Scan(&st.AvgQuality)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(size), 0) FROM longterm WHERE is_template = 0`).Scan(&st.LongTermEntries, &st.LongTermBytes)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM templates`).Scan(&st.Templates)

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sessions GROUP BY status`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		rows.Scan(&status, &n)
		st.ByStatus[status] = n
	}

	return st, rows.Err()
}
