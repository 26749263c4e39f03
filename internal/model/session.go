// Package model defines the shared records of the session, event, and memory subsystems.
package model

import "time"

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusArchived  SessionStatus = "archived"
)

// ValidStatuses are the allowed session statuses.
var ValidStatuses = map[SessionStatus]bool{
	StatusActive:    true,
	StatusCompleted: true,
	StatusArchived:  true,
}

// Manifest is the persisted record describing one session.
type Manifest struct {
	ID              string            `json:"id"`
	Label           string            `json:"label,omitempty"`
	Status          SessionStatus     `json:"status"`
	Namespace       string            `json:"namespace"`
	CreatedAt       time.Time         `json:"created_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	ArchivedAt      *time.Time        `json:"archived_at,omitempty"`
	DurationSeconds float64           `json:"duration_seconds"`
	QualityScore    *float64          `json:"quality_score,omitempty"`
	ErrorCount      int               `json:"error_count"`
	DroppedEvents   int64             `json:"dropped_events"`
	LoggerErrors    int64             `json:"logger_errors"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// RetentionAnchor is the timestamp used to measure a completed session's age.
func (m Manifest) RetentionAnchor() time.Time {
	if m.CompletedAt != nil {
		return *m.CompletedAt
	}
	return m.CreatedAt
}
