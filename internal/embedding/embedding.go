// Package embedding ranks node pairs by embedding similarity so that
// relationship analysis can skip unrelated pairs.
package embedding

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"

	ollamaEmbed "github.com/cloudwego/eino-ext/components/embedding/ollama"
	openaiEmbed "github.com/cloudwego/eino-ext/components/embedding/openai"
	"github.com/cloudwego/eino/components/embedding"
)

// Vector is an embedding vector.
type Vector = []float64

// Embedder generates embedding vectors from text. eino embedders satisfy it.
type Embedder interface {
	EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error)
}

// Config selects an embedding provider. An empty provider disables
// embeddings.
type Config struct {
	Provider  string
	Model     string
	BaseURL   string
	APIKeyEnv string
}

// New creates an embedder for cfg, or nil when disabled.
func New(ctx context.Context, cfg Config) (Embedder, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil

	case "openai":
		key := ""
		if cfg.APIKeyEnv != "" {
			key = os.Getenv(cfg.APIKeyEnv)
		}
		if key == "" {
			return nil, fmt.Errorf("openai API key is required (set %s)", cfg.APIKeyEnv)
		}
		model := cfg.Model
		if model == "" {
			model = "text-embedding-3-small"
		}
		return openaiEmbed.NewEmbedder(ctx, &openaiEmbed.EmbeddingConfig{
			Model:   model,
			APIKey:  key,
			BaseURL: cfg.BaseURL,
		})

	case "ollama":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		model := cfg.Model
		if model == "" {
			model = "nomic-embed-text"
		}
		return ollamaEmbed.NewEmbedder(ctx, &ollamaEmbed.EmbeddingConfig{
			BaseURL: baseURL,
			Model:   model,
		})

	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (supported: openai, ollama)", cfg.Provider)
	}
}

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Item is a text to embed, keyed by id.
type Item struct {
	ID   string
	Text string
}

// Pair is two item ids and their similarity.
type Pair struct {
	A, B       string
	Similarity float64
}

// RankPairs embeds items in one batch and returns every pair at or above
// threshold, most similar first. A threshold of zero or less keeps every
// pair. Pairs for which skip returns true are left out before scoring.
func RankPairs(ctx context.Context, e Embedder, items []Item, threshold float64, skip func(a, b string) bool) ([]Pair, error) {
	if len(items) < 2 {
		return nil, nil
	}
	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.Text
	}
	vecs, err := e.EmbedStrings(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed %d texts: %w", len(texts), err)
	}
	if len(vecs) != len(items) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(items))
	}

	var pairs []Pair
	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			if skip != nil && skip(items[i].ID, items[j].ID) {
				continue
			}
			sim := CosineSimilarity(vecs[i], vecs[j])
			if threshold <= 0 || sim >= threshold {
				pairs = append(pairs, Pair{A: items[i].ID, B: items[j].ID, Similarity: sim})
			}
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].Similarity > pairs[j].Similarity })
	return pairs, nil
}
