package model

import "time"

// Tier is a memory lifetime and persistence class.
type Tier string

const (
	TierShortTerm Tier = "short_term"
	TierLongTerm  Tier = "long_term"
	TierWorking   Tier = "working"
	TierShared    Tier = "shared"
)

// ValidTiers are the allowed memory tiers.
var ValidTiers = map[Tier]bool{
	TierShortTerm: true,
	TierLongTerm:  true,
	TierWorking:   true,
	TierShared:    true,
}

// Entry is a stored memory value. (Owner, Key, Tier) is unique.
type Entry struct {
	Owner          string    `json:"owner"`
	Key            string    `json:"key"`
	Value          []byte    `json:"value"`
	Tier           Tier      `json:"tier"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    int64     `json:"access_count"`
	Size           int       `json:"size"`
	Checksum       string    `json:"checksum,omitempty"`
}

// Template is a long-term record of a past high-quality outcome.
type Template struct {
	ID           string    `json:"id"`
	Category     string    `json:"category"`
	Tags         []string  `json:"tags,omitempty"`
	Audience     string    `json:"audience,omitempty"`
	QualityScore float64   `json:"quality_score"`
	SessionID    string    `json:"session_id,omitempty"`
	Payload      []byte    `json:"payload,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// TemplateMatch is a template scored against a similarity query.
type TemplateMatch struct {
	Template Template `json:"template"`
	Score    float64  `json:"score"`
}
