package crs

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"acms/internal/crypto"
	"acms/internal/store"
	"acms/internal/types"
)

func newTestEngine(t *testing.T) (*Engine, *store.LocalStore, *crypto.KeyManager) {
	t.Helper()
	backend, err := crypto.NewSoftwareBackend(t.TempDir())
	require.NoError(t, err)
	km := crypto.NewKeyManager(backend, time.Minute)
	st, err := store.NewLocalStore(":memory:", km)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewEngine(st, types.DefaultCRSConfig()), st, km
}

func seed(t *testing.T, st *store.LocalStore, km *crypto.KeyManager, mutate func(*types.MemoryItem)) *types.MemoryItem {
	t.Helper()
	now := time.Now().UTC()
	item := &types.MemoryItem{
		ID:            uuid.NewString(),
		UserID:        "u1",
		Topic:         "work",
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
	content, keyID, err := km.Encrypt([]byte("text"), item.UserID, item.Topic)
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

func TestInitialScoreNeutralProfile(t *testing.T) {
	eng, st, km := newTestEngine(t)

	item := seed(t, st, km, nil)
	full, err := st.Get(item.ID, "u1")
	require.NoError(t, err)

	profile, err := st.GetProfile("u1")
	require.NoError(t, err)

	// Fewer than three topic items: similarity is neutral.
	score := eng.InitialScore(full, profile)
	assert.InDelta(t, 0.4, score, 1e-3)
}

func TestRecomputeUserUpdatesScoresAndCentroids(t *testing.T) {
	eng, st, km := newTestEngine(t)

	var ids []string
	for i := 0; i < 4; i++ {
		item := seed(t, st, km, func(m *types.MemoryItem) { m.Score = 0 })
		ids = append(ids, item.ID)
	}

	updated, err := eng.RecomputeUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 4, updated)

	profile, err := st.GetProfile("u1")
	require.NoError(t, err)
	assert.Equal(t, 4, profile.TopicCounts["work"])
	require.Len(t, profile.Centroids["work"], 2)
	assert.InDelta(t, 1.0, float64(profile.Centroids["work"][0]), 1e-6)

	// All vectors equal the centroid: sim maps to 1, so scores move off zero.
	for _, id := range ids {
		got, err := st.Get(id, "u1")
		require.NoError(t, err)
		assert.Greater(t, got.Score, 0.0)
	}
}

func TestRecomputeUserCancellation(t *testing.T) {
	eng, st, km := newTestEngine(t)
	seed(t, st, km, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := eng.RecomputeUser(ctx, "u1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEvaluateTransitionsPromotions(t *testing.T) {
	eng, st, km := newTestEngine(t)

	promote := seed(t, st, km, func(m *types.MemoryItem) {
		m.Score = 0.7
		m.AccessCount = 3
	})
	// Not enough uses.
	seed(t, st, km, func(m *types.MemoryItem) {
		m.Score = 0.7
		m.AccessCount = 2
	})
	// Mid item clearing score, age, and outcome thresholds.
	toLong := seed(t, st, km, func(m *types.MemoryItem) {
		m.Tier = types.TierMid
		m.Score = 0.85
		m.CreatedAt = time.Now().UTC().Add(-8 * 24 * time.Hour)
		m.LastUsed = time.Now().UTC().Add(-time.Hour)
		m.OutcomeLog = []types.OutcomeEvent{{Kind: types.OutcomeThumbsUp}}
	})
	// Mid item with a weak outcome record stays put.
	seed(t, st, km, func(m *types.MemoryItem) {
		m.Tier = types.TierMid
		m.Score = 0.85
		m.CreatedAt = time.Now().UTC().Add(-8 * 24 * time.Hour)
		m.LastUsed = time.Now().UTC().Add(-time.Hour)
		m.OutcomeLog = []types.OutcomeEvent{{Kind: types.OutcomeThumbsDown}}
	})

	plan, err := eng.EvaluateTransitions(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, plan.Promotions, 2)
	assert.Empty(t, plan.Demotions)

	byID := map[string]TransitionCandidate{}
	for _, c := range plan.Promotions {
		byID[c.Item.ID] = c
	}
	assert.Equal(t, types.TierMid, byID[promote.ID].To)
	assert.Equal(t, types.TierLong, byID[toLong.ID].To)
}

func TestEvaluateTransitionsDemotions(t *testing.T) {
	eng, st, km := newTestEngine(t)

	lowMid := seed(t, st, km, func(m *types.MemoryItem) {
		m.Tier = types.TierMid
		m.Score = 0.2
	})
	idleLong := seed(t, st, km, func(m *types.MemoryItem) {
		m.Tier = types.TierLong
		m.Score = 0.6
		m.CreatedAt = time.Now().UTC().Add(-60 * 24 * time.Hour)
		m.LastUsed = time.Now().UTC().Add(-31 * 24 * time.Hour)
	})
	// Low-score short items fall out of the hierarchy entirely.
	lowShort := seed(t, st, km, func(m *types.MemoryItem) {
		m.Score = 0.1
	})
	// Pinned items never demote.
	seed(t, st, km, func(m *types.MemoryItem) {
		m.Tier = types.TierMid
		m.Score = 0.1
		m.Pinned = true
	})

	plan, err := eng.EvaluateTransitions(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, plan.Promotions)
	require.Len(t, plan.Demotions, 3)

	byID := map[string]TransitionCandidate{}
	for _, c := range plan.Demotions {
		byID[c.Item.ID] = c
	}
	assert.Equal(t, types.TierShort, byID[lowMid.ID].To)
	assert.Equal(t, types.ReasonCRSThreshold, byID[lowMid.ID].Reason)
	assert.Equal(t, types.TierMid, byID[idleLong.ID].To)
	assert.Equal(t, types.ReasonInactivity, byID[idleLong.ID].Reason)
	assert.Equal(t, types.TierShort, byID[lowShort.ID].From)
	assert.Equal(t, types.TierShort, byID[lowShort.ID].To)
}

func TestEvaluateTransitionsOrdering(t *testing.T) {
	eng, st, km := newTestEngine(t)

	low := seed(t, st, km, func(m *types.MemoryItem) {
		m.Score = 0.7
		m.AccessCount = 3
	})
	high := seed(t, st, km, func(m *types.MemoryItem) {
		m.Score = 0.7
		m.AccessCount = 9
	})

	plan, err := eng.EvaluateTransitions(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, plan.Promotions, 2)
	assert.Equal(t, high.ID, plan.Promotions[0].Item.ID)
	assert.Equal(t, low.ID, plan.Promotions[1].Item.ID)
}
