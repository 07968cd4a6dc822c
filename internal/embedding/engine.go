// Package embedding provides the vector embedding and summarization
// interfaces that connect ACMS to an external LLM runtime. Backends are
// pluggable: Ollama (local) and Google GenAI (cloud). The core records which
// backend produced each vector and summary.
package embedding

import (
	"context"
	"fmt"
	"math"

	"acms/internal/config"
	"acms/internal/logging"
)

// Engine generates vector embeddings for text. Embeddings are deterministic
// for a given backend version.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings.
	Dimensions() int

	// Name returns the engine name, recorded with every vector it produces.
	Name() string
}

// SummaryInput is one piece of source material for a summary.
type SummaryInput struct {
	ID   string
	Text string
}

// Summarizer produces bounded-length summaries. Output must not exceed
// TargetTokens by more than 10% and must preserve only facts present in the
// input.
type Summarizer interface {
	// Summarize condenses the inputs for the given intent within the token
	// target. Implementations honour the context deadline.
	Summarize(ctx context.Context, inputs []SummaryInput, intent string, targetTokens int) (string, error)

	// Name returns the summarizer name, recorded with every summary.
	Name() string
}

// HealthChecker is an optional interface for backends that can verify
// availability before batch operations.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// =============================================================================
// FACTORY
// =============================================================================

// NewEngine creates an embedding engine from configuration.
func NewEngine(cfg config.EmbeddingConfig) (Engine, error) {
	log := logging.Get(logging.CategoryEmbedding)
	log.Infow("creating embedding engine", "provider", cfg.Provider)

	switch cfg.Provider {
	case "ollama":
		return NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaEmbedModel, cfg.Dimensions)
	case "genai":
		return NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIEmbedModel, cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'ollama' or 'genai')", cfg.Provider)
	}
}

// NewSummarizer creates a summarizer from configuration.
func NewSummarizer(cfg config.EmbeddingConfig) (Summarizer, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllamaSummarizer(cfg.OllamaEndpoint, cfg.OllamaChatModel)
	case "genai":
		return NewGenAISummarizer(cfg.GenAIAPIKey, cfg.GenAIChatModel)
	default:
		return nil, fmt.Errorf("unsupported summarizer provider: %s", cfg.Provider)
	}
}

// =============================================================================
// VECTOR UTILITIES
// =============================================================================

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dot, magA, magB float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB)), nil
}

// Centroid computes the arithmetic mean of a set of equal-length vectors.
func Centroid(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	out := make([]float32, dim)
	n := 0
	for _, v := range vectors {
		if len(v) != dim {
			continue
		}
		for i := range v {
			out[i] += v[i]
		}
		n++
	}
	if n == 0 {
		return nil
	}
	inv := 1 / float32(n)
	for i := range out {
		out[i] *= inv
	}
	return out
}
