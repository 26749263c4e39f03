// Package embedding provides embedding-based audience comparison for template
// similarity, backed by an Ollama or OpenAI-compatible embedding API.
package embedding

import (
	"context"
	"fmt"
	"math"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/rcliao/tiermem/internal/config"
	"github.com/rcliao/tiermem/internal/memory"
)

// Vector is a float32 embedding vector.
type Vector = []float32

// Embedder generates embedding vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) (Vector, error)
	Dims() int
}

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// New builds the embedder named by an audience configuration. It returns nil
// for the "tokens" provider, which needs no embedder.
func New(c config.AudienceConfig) (Embedder, error) {
	switch strings.ToLower(c.Provider) {
	case "", "tokens":
		return nil, nil
	case "ollama":
		return NewOllamaEmbedder(c.URL, c.Model), nil
	case "openai":
		return NewOpenAIEmbedder(c.URL, c.APIKey, c.Model, 0), nil
	default:
		return nil, fmt.Errorf("unknown audience provider %q", c.Provider)
	}
}

const defaultVectorCache = 256

// Comparator scores audiences by the cosine similarity of their embeddings.
// Vectors are cached by text. When the embedder fails, the comparison falls
// back to token overlap.
type Comparator struct {
	embedder Embedder
	fallback memory.Comparator
	vectors  *lru.Cache[string, Vector]
	log      *zap.Logger
}

// NewComparator wraps an embedder. cacheSize <= 0 uses a default.
func NewComparator(e Embedder, cacheSize int, zlog *zap.Logger) *Comparator {
	if zlog == nil {
		zlog = zap.NewNop()
	}
	if cacheSize <= 0 {
		cacheSize = defaultVectorCache
	}
	vectors, _ := lru.New[string, Vector](cacheSize)
	return &Comparator{embedder: e, fallback: memory.TokenOverlap{}, vectors: vectors, log: zlog}
}

// Similarity returns the cosine similarity of a and b clamped to [0, 1].
func (c *Comparator) Similarity(ctx context.Context, a, b string) float64 {
	va, err := c.vector(ctx, a)
	if err == nil {
		var vb Vector
		if vb, err = c.vector(ctx, b); err == nil {
			return math.Max(0, CosineSimilarity(va, vb))
		}
	}
	c.log.Warn("embed audience, using token overlap", zap.Error(err))
	return c.fallback.Similarity(ctx, a, b)
}

func (c *Comparator) vector(ctx context.Context, text string) (Vector, error) {
	key := strings.ToLower(strings.TrimSpace(text))
	if v, ok := c.vectors.Get(key); ok {
		return v, nil
	}
	v, err := c.embedder.Embed(ctx, key)
	if err != nil {
		return nil, err
	}
	c.vectors.Add(key, v)
	return v, nil
}

var _ memory.Comparator = (*Comparator)(nil)
