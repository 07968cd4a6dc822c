package rehydrate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"acms/internal/config"
	"acms/internal/crypto"
	"acms/internal/policy"
	"acms/internal/store"
	"acms/internal/types"
)

func newTestRehydrator(t *testing.T, summarizer *stubSummarizer) (*Rehydrator, *store.LocalStore, *crypto.KeyManager) {
	t.Helper()
	backend, err := crypto.NewSoftwareBackend(t.TempDir())
	require.NoError(t, err)
	km := crypto.NewKeyManager(backend, time.Minute)
	st, err := store.NewLocalStore(":memory:", km)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	embedder := &stubEmbedder{fallback: []float32{1, 0}}
	r := NewRehydrator(st, policy.NewEngine(st), embedder, summarizer, config.DefaultConfig())
	return r, st, km
}

func seedText(t *testing.T, st *store.LocalStore, km *crypto.KeyManager, topic, text string, mutate func(*types.MemoryItem)) *types.MemoryItem {
	t.Helper()
	now := time.Now().UTC()
	item := &types.MemoryItem{
		ID:            uuid.NewString(),
		UserID:        "u1",
		Topic:         topic,
		Tier:          types.TierShort,
		Score:         0.5,
		CreatedAt:     now,
		LastUsed:      now,
		Version:       1,
		SchemaVersion: types.SchemaVersion,
	}
	if mutate != nil {
		mutate(item)
	}
	content, keyID, err := km.Encrypt([]byte(text), item.UserID, item.Topic)
	require.NoError(t, err)
	vector, _, err := km.Encrypt(store.EncodeVector([]float32{1, 0}), item.UserID, item.Topic)
	require.NoError(t, err)
	item.Content = content
	item.Vector = vector
	item.KeyID = keyID
	_, err = st.Insert(item)
	require.NoError(t, err)
	return item
}

func TestRehydrateBasic(t *testing.T) {
	r, st, km := newTestRehydrator(t, &stubSummarizer{})

	a := seedText(t, st, km, "work", "first note about the deploy", nil)
	b := seedText(t, st, km, "work", "second note about the deploy", nil)

	bundle, err := r.Rehydrate(context.Background(), Request{
		Query:  "fix this bug in the deploy script",
		UserID: "u1",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, bundle.QueryID)
	assert.Equal(t, IntentCodeAssist, bundle.Intent)
	assert.False(t, bundle.CacheHit)
	assert.False(t, bundle.Partial)

	// Same topic and creation day: one summary group covering both items.
	require.Len(t, bundle.Items, 2)
	assert.Contains(t, bundle.Summary, "summary of ")
	assert.Contains(t, bundle.Summary, "[sources: ")
	assert.Contains(t, bundle.Summary, a.ID)
	assert.Contains(t, bundle.Summary, b.ID)
	assert.Equal(t, 1, strings.Count(bundle.Summary, "[sources:"))
	assert.Greater(t, bundle.TotalTokens, 0)

	for _, it := range bundle.Items {
		assert.Equal(t, "work", it.Topic)
		assert.NotEmpty(t, it.Excerpt)
		assert.InDelta(t, 1.0, it.Relevance, 1e-6)
	}
}

func TestRehydrateEmptyQuery(t *testing.T) {
	r, st, km := newTestRehydrator(t, &stubSummarizer{})
	seedText(t, st, km, "work", "a note", nil)

	bundle, err := r.Rehydrate(context.Background(), Request{Query: "   ", UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, bundle.Items)
	assert.Empty(t, bundle.Summary)
	assert.Zero(t, bundle.TotalTokens)
}

func TestRehydrateValidation(t *testing.T) {
	r, _, _ := newTestRehydrator(t, &stubSummarizer{})

	_, err := r.Rehydrate(context.Background(), Request{Query: "q"})
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = r.Rehydrate(context.Background(), Request{Query: "q", UserID: "u1", Topic: "not a topic!"})
	assert.ErrorIs(t, err, types.ErrValidation)

	// Compliance scoping is meaningless without a topic to scope to.
	_, err = r.Rehydrate(context.Background(), Request{Query: "q", UserID: "u1", ComplianceMode: true})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestRehydrateExplicitIntent(t *testing.T) {
	r, st, km := newTestRehydrator(t, &stubSummarizer{})
	seedText(t, st, km, "work", "a note", nil)

	bundle, err := r.Rehydrate(context.Background(), Request{
		Query:  "fix this bug",
		UserID: "u1",
		Intent: IntentResearch,
	})
	require.NoError(t, err)
	assert.Equal(t, IntentResearch, bundle.Intent)
}

func TestRehydrateBudgetSelection(t *testing.T) {
	r, st, km := newTestRehydrator(t, &stubSummarizer{})

	// Budget 100 minus the 10% reserve leaves 90 usable tokens. The
	// higher-ranked item costs 50, the next one 150; selection stops at the
	// first item that does not fit.
	small := seedText(t, st, km, "work", strings.Repeat("a", 200), func(m *types.MemoryItem) {
		m.Score = 0.9
	})
	seedText(t, st, km, "work", strings.Repeat("b", 600), nil)

	bundle, err := r.Rehydrate(context.Background(), Request{
		Query:       "status of the work notes",
		UserID:      "u1",
		TokenBudget: 100,
	})
	require.NoError(t, err)
	require.Len(t, bundle.Items, 1)
	assert.Equal(t, small.ID, bundle.Items[0].ID)
	assert.Equal(t, 50, bundle.Items[0].Tokens)
}

func TestRehydrateCacheHitAndInvalidate(t *testing.T) {
	summarizer := &stubSummarizer{}
	r, st, km := newTestRehydrator(t, summarizer)
	seedText(t, st, km, "work", "a note", nil)

	req := Request{Query: "what happened at work", UserID: "u1"}

	first, err := r.Rehydrate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	callsAfterFirst := summarizer.calls.Load()

	second, err := r.Rehydrate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.QueryID, second.QueryID)
	assert.Equal(t, callsAfterFirst, summarizer.calls.Load())

	// A cached hit never mutates the stored bundle.
	assert.False(t, first.CacheHit)

	r.InvalidateUser("u1")
	third, err := r.Rehydrate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, third.CacheHit)
	assert.Greater(t, summarizer.calls.Load(), callsAfterFirst)
}

func TestRehydratePartialOnDeadline(t *testing.T) {
	summarizer := &stubSummarizer{failErr: context.DeadlineExceeded}
	r, st, km := newTestRehydrator(t, summarizer)

	kept := seedText(t, st, km, "work", "work note", nil)
	dropped := seedText(t, st, km, "personal", "personal note", nil)
	summarizer.failOn = dropped.ID

	req := Request{Query: "everything from this week", UserID: "u1"}
	bundle, err := r.Rehydrate(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, bundle.Partial)
	require.Len(t, bundle.Items, 1)
	assert.Equal(t, kept.ID, bundle.Items[0].ID)
	assert.NotContains(t, bundle.Summary, dropped.ID)

	// Partial bundles are not cached.
	again, err := r.Rehydrate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, again.CacheHit)
}

func TestRehydrateAllGroupsDeadline(t *testing.T) {
	summarizer := &stubSummarizer{failErr: context.DeadlineExceeded}
	r, st, km := newTestRehydrator(t, summarizer)

	item := seedText(t, st, km, "work", "work note", nil)
	summarizer.failOn = item.ID

	_, err := r.Rehydrate(context.Background(), Request{Query: "anything", UserID: "u1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRehydrateSummarizerErrorSurfaces(t *testing.T) {
	provider := errors.New("provider unavailable")
	summarizer := &stubSummarizer{failErr: provider}
	r, st, km := newTestRehydrator(t, summarizer)

	seedText(t, st, km, "work", "work note", nil)
	broken := seedText(t, st, km, "personal", "personal note", nil)
	summarizer.failOn = broken.ID

	// A non-deadline failure is never papered over with a partial bundle.
	_, err := r.Rehydrate(context.Background(), Request{Query: "anything", UserID: "u1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, provider)
}

func TestRehydrateEmbedderError(t *testing.T) {
	r, st, km := newTestRehydrator(t, &stubSummarizer{})
	seedText(t, st, km, "work", "a note", nil)

	r.embedder = &stubEmbedder{err: errors.New("embed backend down")}
	_, err := r.Rehydrate(context.Background(), Request{Query: "anything", UserID: "u1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embed backend down")
}

func TestRehydrateMinScoreFilter(t *testing.T) {
	r, st, km := newTestRehydrator(t, &stubSummarizer{})

	kept := seedText(t, st, km, "work", "strong memory", nil)
	seedText(t, st, km, "work", "weak memory", func(m *types.MemoryItem) {
		m.Score = 0.1
	})

	bundle, err := r.Rehydrate(context.Background(), Request{Query: "memories", UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, bundle.Items, 1)
	assert.Equal(t, kept.ID, bundle.Items[0].ID)
}

func TestRehydrateComplianceModeScopesTopic(t *testing.T) {
	r, st, km := newTestRehydrator(t, &stubSummarizer{})

	work := seedText(t, st, km, "work", "work note", nil)
	seedText(t, st, km, "personal", "personal note", nil)

	bundle, err := r.Rehydrate(context.Background(), Request{
		Query:          "notes",
		UserID:         "u1",
		Topic:          "work",
		ComplianceMode: true,
	})
	require.NoError(t, err)
	require.Len(t, bundle.Items, 1)
	assert.Equal(t, work.ID, bundle.Items[0].ID)
}
