package adapter

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"acms/internal/config"
	"acms/internal/crs"
	"acms/internal/crypto"
	"acms/internal/embedding"
	"acms/internal/outcome"
	"acms/internal/policy"
	"acms/internal/rehydrate"
	"acms/internal/store"
	"acms/internal/types"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (e stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i], _ = e.Embed(ctx, texts[i])
	}
	return out, nil
}

func (stubEmbedder) Dimensions() int { return 2 }
func (stubEmbedder) Name() string    { return "stub-embedder" }

type stubSummarizer struct{}

func (stubSummarizer) Summarize(_ context.Context, inputs []embedding.SummaryInput, _ string, _ int) (string, error) {
	ids := make([]string, len(inputs))
	for i, in := range inputs {
		ids[i] = in.ID
	}
	return "summary of " + strings.Join(ids, "+"), nil
}

func (stubSummarizer) Name() string { return "stub-summarizer" }

func newTestAdapter(t *testing.T) (*Adapter, *store.LocalStore) {
	t.Helper()
	backend, err := crypto.NewSoftwareBackend(t.TempDir())
	require.NoError(t, err)
	km := crypto.NewKeyManager(backend, time.Minute)
	st, err := store.NewLocalStore(":memory:", km)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	pol := policy.NewEngine(st)
	crsEngine := crs.NewEngine(st, types.DefaultCRSConfig())
	reh := rehydrate.NewRehydrator(st, pol, stubEmbedder{}, stubSummarizer{}, cfg)
	out := outcome.NewLogger(st, reh.InvalidateUser)
	return New(st, stubEmbedder{}, crsEngine, pol, reh, out, cfg), st
}
