package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/rcliao/tiermem/internal/model"
)

// Weights are the factor weights of the template similarity score. They are
// normalized to sum to 1, so scores stay in [0, 1].
type Weights struct {
	Category float64 `json:"category"`
	Tags     float64 `json:"tags"`
	Audience float64 `json:"audience"`
}

// DefaultWeights returns 0.4 category, 0.4 tags, 0.2 audience.
func DefaultWeights() Weights {
	return Weights{Category: 0.4, Tags: 0.4, Audience: 0.2}
}

func (w Weights) sum() float64 { return w.Category + w.Tags + w.Audience }

func (w Weights) normalized() Weights {
	s := w.sum()
	if s <= 0 {
		return DefaultWeights()
	}
	return Weights{Category: w.Category / s, Tags: w.Tags / s, Audience: w.Audience / s}
}

const categoryMismatch = 0.3

// Comparator scores how alike two audience descriptions are, in [0, 1].
type Comparator interface {
	Similarity(ctx context.Context, a, b string) float64
}

// TokenOverlap compares audiences by the Jaccard similarity of their word tokens.
type TokenOverlap struct{}

func (TokenOverlap) Similarity(_ context.Context, a, b string) float64 {
	return Jaccard(tokenize(a), tokenize(b))
}

// Query describes the outcome a caller is looking for.
type Query struct {
	Category   string   `json:"category"`
	Tags       []string `json:"tags,omitempty"`
	Audience   string   `json:"audience,omitempty"`
	MinQuality float64  `json:"min_quality"`
	MinScore   float64  `json:"min_score"`
	Limit      int      `json:"limit"`
}

// score rates template t against q.
func score(ctx context.Context, cmp Comparator, w Weights, q Query, t model.Template) float64 {
	w = w.normalized()

	category := categoryMismatch
	if strings.EqualFold(strings.TrimSpace(q.Category), strings.TrimSpace(t.Category)) {
		category = 1
	}
	tags := Jaccard(NormalizeTags(q.Tags), NormalizeTags(t.Tags))
	audience := audienceMatch(ctx, cmp, q.Audience, t.Audience)

	return w.Category*category + w.Tags*tags + w.Audience*audience
}

// audienceMatch is 1 when neither side names an audience and 0.5 when only one does.
func audienceMatch(ctx context.Context, cmp Comparator, a, b string) float64 {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	switch {
	case a == "" && b == "":
		return 1
	case a == "" || b == "":
		return 0.5
	}
	s := cmp.Similarity(ctx, a, b)
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// Jaccard is |a ∩ b| / |a ∪ b| over the distinct elements of a and b.
// Two empty sets score 0.
func Jaccard(a, b []string) float64 {
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	union := len(set)
	inter := 0
	seen := make(map[string]bool, len(b))
	for _, s := range b {
		if seen[s] {
			continue
		}
		seen[s] = true
		if set[s] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// NormalizeTags lowercases, trims and de-duplicates tags, returning them sorted.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// tokenize splits text into lowercase word tokens, skipping single characters.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' ||
			r > 127)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}

// sortMatches orders by score, then quality, then recency, all descending.
func sortMatches(ms []model.TemplateMatch) {
	sort.SliceStable(ms, func(i, j int) bool {
		a, b := ms[i], ms[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Template.QualityScore != b.Template.QualityScore {
			return a.Template.QualityScore > b.Template.QualityScore
		}
		return a.Template.CreatedAt.After(b.Template.CreatedAt)
	})
}
