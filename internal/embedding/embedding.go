// Package embedding turns text into vectors through an OpenAI-compatible
// embeddings endpoint. The matcher scores candidates by cosine similarity
// over these vectors.
package embedding

import (
	"context"
	"math"
)

// DefaultModel is used when no embedding model is configured.
const DefaultModel = "text-embedding-3-small"

// Provider produces embedding vectors for text.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// Config holds connection settings for an embedding provider.
type Config struct {
	APIKey  string // optional for local endpoints
	BaseURL string // empty means the public OpenAI API
	Model   string
}

// Cosine returns the cosine similarity of a and b in [-1, 1]. Mismatched
// lengths and zero-magnitude vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
