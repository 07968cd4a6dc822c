package rehydrate

import (
	"context"
	"strings"
	"sync/atomic"

	"acms/internal/embedding"
)

// stubEmbedder returns canned vectors per text, with a fallback for
// everything else.
type stubEmbedder struct {
	vectors  map[string][]float32
	fallback []float32
	err      error
}

func (e *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return e.fallback, nil
}

func (e *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *stubEmbedder) Dimensions() int { return len(e.fallback) }
func (e *stubEmbedder) Name() string    { return "stub-embedder" }

// stubSummarizer joins input ids into a deterministic summary. failOn makes
// groups containing that item id fail with failErr.
type stubSummarizer struct {
	failOn  string
	failErr error
	calls   atomic.Int64
}

func (s *stubSummarizer) Summarize(ctx context.Context, inputs []embedding.SummaryInput, _ string, _ int) (string, error) {
	s.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ids := make([]string, len(inputs))
	for i, in := range inputs {
		if s.failOn != "" && in.ID == s.failOn {
			return "", s.failErr
		}
		ids[i] = in.ID
	}
	return "summary of " + strings.Join(ids, "+"), nil
}

func (s *stubSummarizer) Name() string { return "stub-summarizer" }
