package model

import "time"

// Category classifies an event record.
type Category string

const (
	CategoryLifecycle    Category = "lifecycle"
	CategoryTaskStart    Category = "task_start"
	CategoryTaskEnd      Category = "task_end"
	CategoryExternalCall Category = "external_call"
	CategoryCacheOp      Category = "cache_operation"
	CategoryWarning      Category = "warning"
	CategoryError        Category = "error"
)

// ValidCategories are the allowed event categories.
var ValidCategories = map[Category]bool{
	CategoryLifecycle:    true,
	CategoryTaskStart:    true,
	CategoryTaskEnd:      true,
	CategoryExternalCall: true,
	CategoryCacheOp:      true,
	CategoryWarning:      true,
	CategoryError:        true,
}

// Severity is the level of an event record.
type Severity string

const (
	SeverityDebug   Severity = "debug"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// ValidSeverities are the allowed severity levels.
var ValidSeverities = map[Severity]bool{
	SeverityDebug:   true,
	SeverityInfo:    true,
	SeverityWarning: true,
	SeverityError:   true,
}

// Event is one immutable record in a session's event stream.
// Ordering within a session comes from Seq; Timestamp is informational.
type Event struct {
	Seq        uint64         `json:"seq"`
	Timestamp  time.Time      `json:"ts"`
	SessionID  string         `json:"session_id"`
	Owner      string         `json:"owner,omitempty"`
	Category   Category       `json:"category"`
	Severity   Severity       `json:"severity"`
	Message    string         `json:"message"`
	Payload    map[string]any `json:"payload,omitempty"`
	ParentSeq  uint64         `json:"parent_seq,omitempty"`
	DurationMS float64        `json:"duration_ms,omitempty"`
}

// TimestampFormat renders event times at microsecond resolution.
const TimestampFormat = "2006-01-02T15:04:05.000000Z07:00"
