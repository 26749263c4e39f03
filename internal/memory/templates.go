package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/tiermem/internal/model"
	"github.com/rcliao/tiermem/internal/store"
)

const defaultMatchLimit = 5

// TemplateOptions configures a TemplateIndex.
type TemplateOptions struct {
	// Threshold is the minimum quality score a template must reach to be saved.
	Threshold float64
	Weights   Weights
	Audience  Comparator
}

// TemplateIndex saves and searches templates in the global store.
type TemplateIndex struct {
	store store.Store
	opts  TemplateOptions
	log   *zap.Logger
}

// NewTemplateIndex returns a template index over st.
func NewTemplateIndex(st store.Store, opts TemplateOptions, zlog *zap.Logger) *TemplateIndex {
	if zlog == nil {
		zlog = zap.NewNop()
	}
	if opts.Audience == nil {
		opts.Audience = TokenOverlap{}
	}
	if opts.Weights.sum() <= 0 {
		opts.Weights = DefaultWeights()
	}
	return &TemplateIndex{store: st, opts: opts, log: zlog}
}

// TemplateParams holds parameters for saving a template.
type TemplateParams struct {
	Category     string
	Tags         []string
	Audience     string
	QualityScore float64
	Payload      []byte
	SessionID    string
}

// Save stores a template when its quality score reaches the threshold.
func (x *TemplateIndex) Save(ctx context.Context, p TemplateParams) (model.Template, error) {
	if strings.TrimSpace(p.Category) == "" {
		return model.Template{}, fmt.Errorf("template category is required")
	}
	if p.QualityScore < x.opts.Threshold {
		return model.Template{}, fmt.Errorf("%w: %.1f < %.1f", ErrBelowThreshold, p.QualityScore, x.opts.Threshold)
	}
	t := model.Template{
		ID:           x.store.NewID(),
		Category:     strings.TrimSpace(p.Category),
		Tags:         NormalizeTags(p.Tags),
		Audience:     strings.TrimSpace(p.Audience),
		QualityScore: p.QualityScore,
		SessionID:    p.SessionID,
		Payload:      p.Payload,
		CreatedAt:    time.Now().UTC(),
	}
	if err := x.store.PutTemplate(ctx, t); err != nil {
		return model.Template{}, fmt.Errorf("save template: %w", err)
	}
	return t, nil
}

// FindSimilar scores every template of at least q.MinQuality against q and
// returns up to q.Limit matches scoring at least q.MinScore, best first, with payloads.
func (x *TemplateIndex) FindSimilar(ctx context.Context, q Query) ([]model.TemplateMatch, error) {
	if q.Limit <= 0 {
		q.Limit = defaultMatchLimit
	}
	candidates, err := x.store.ListTemplates(ctx, store.TemplateFilter{MinQuality: q.MinQuality})
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}

	matches := make([]model.TemplateMatch, 0, len(candidates))
	for _, t := range candidates {
		s := score(ctx, x.opts.Audience, x.opts.Weights, q, t)
		if s < q.MinScore {
			continue
		}
		matches = append(matches, model.TemplateMatch{Template: t, Score: s})
	}
	sortMatches(matches)
	if len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}

	for i := range matches {
		full, err := x.store.GetTemplate(ctx, matches[i].Template.ID)
		if err != nil {
			x.log.Warn("load template payload", zap.String("template_id", matches[i].Template.ID), zap.Error(err))
			continue
		}
		matches[i].Template.Payload = full.Payload
	}
	return matches, nil
}

// Suggest returns the single best template for q among templates at or above
// the save threshold, or nil when there is none.
func (x *TemplateIndex) Suggest(ctx context.Context, q Query) (*model.TemplateMatch, error) {
	if q.MinQuality < x.opts.Threshold {
		q.MinQuality = x.opts.Threshold
	}
	q.Limit = 1
	ms, err := x.FindSimilar(ctx, q)
	if err != nil || len(ms) == 0 {
		return nil, err
	}
	return &ms[0], nil
}

// SaveTemplate stores a template produced by this session.
func (m *Manager) SaveTemplate(ctx context.Context, p TemplateParams) (model.Template, error) {
	if p.SessionID == "" {
		p.SessionID = m.sessionID
	}
	t, err := m.templates.Save(ctx, p)
	if err != nil {
		return t, err
	}
	m.events.Log(model.CategoryLifecycle, model.SeverityInfo, "template saved",
		map[string]any{"template_id": t.ID, "category": t.Category, "quality_score": t.QualityScore})
	return t, nil
}

// FindSimilar searches the global template index.
func (m *Manager) FindSimilar(ctx context.Context, q Query) ([]model.TemplateMatch, error) {
	ms, err := m.templates.FindSimilar(ctx, q)
	if err != nil {
		m.events.Log(model.CategoryError, model.SeverityError, "template search failed",
			map[string]any{"error": err.Error()})
		return nil, err
	}
	m.events.Log(model.CategoryCacheOp, model.SeverityDebug, "template search",
		map[string]any{"operation": "find_similar", "category": q.Category, "matches": len(ms)})
	return ms, nil
}

// Suggest returns the best prior template for the run described by q.
func (m *Manager) Suggest(ctx context.Context, q Query) (*model.TemplateMatch, error) {
	return m.templates.Suggest(ctx, q)
}
