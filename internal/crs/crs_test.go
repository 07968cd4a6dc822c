package crs

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"acms/internal/types"
)

func TestComputeFreshNeutralItem(t *testing.T) {
	cfg := types.DefaultCRSConfig()
	now := time.Now().UTC()

	// Age zero: no decay, recency 1, no accesses, no outcomes.
	score := Compute(Input{
		Sim:       NeutralSim,
		CreatedAt: now,
		LastUsed:  now,
		Now:       now,
	}, cfg)

	// 0.35*0.5 + 0.20*0 + 0.25*0.5 + 0.10*0 + 0.10*1 = 0.4
	assert.InDelta(t, 0.4, score, 1e-9)
}

func TestComputeDecay(t *testing.T) {
	cfg := types.DefaultCRSConfig()
	now := time.Now().UTC()
	created := now.Add(-10 * 24 * time.Hour)

	in := Input{
		Sim:       NeutralSim,
		CreatedAt: created,
		LastUsed:  now,
		Now:       now,
	}
	score := Compute(in, cfg)

	// recency = 1/(1+10), then the whole base decays by exp(-0.02*10).
	base := 0.35*0.5 + 0.25*0.5 + 0.10*(1.0/11.0)
	want := base * math.Exp(-0.02*10)
	assert.InDelta(t, want, score, 1e-9)

	// Older is never better, all else equal.
	in.CreatedAt = now.Add(-100 * 24 * time.Hour)
	assert.Less(t, Compute(in, cfg), score)
}

func TestComputeDeterministic(t *testing.T) {
	cfg := types.DefaultCRSConfig()
	now := time.Now().UTC()
	in := Input{
		Sim:         0.8,
		AccessCount: 3,
		OutcomeLog: []types.OutcomeEvent{
			{Kind: types.OutcomeThumbsUp},
			{Kind: types.OutcomeEditDistance, EditDistance: 0.1},
		},
		CreatedAt: now.Add(-5 * 24 * time.Hour),
		LastUsed:  now.Add(-time.Hour),
		PIIFlags:  map[string]int{"email": 1},
		Now:       now,
	}
	first := Compute(in, cfg)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Compute(in, cfg))
	}
	assert.GreaterOrEqual(t, first, 0.0)
	assert.LessOrEqual(t, first, 1.0)
}

func TestComputeClipsAtZero(t *testing.T) {
	cfg := types.DefaultCRSConfig()
	now := time.Now().UTC()

	// Heavy PII penalty on an old, unused item drives the raw score negative.
	score := Compute(Input{
		Sim:       0,
		CreatedAt: now.Add(-365 * 24 * time.Hour),
		LastUsed:  now.Add(-365 * 24 * time.Hour),
		PIIFlags:  map[string]int{"ssn": 1, "credit_card": 1},
		Now:       now,
	}, cfg)
	assert.Zero(t, score)
}

func TestComputeFutureCreatedAt(t *testing.T) {
	cfg := types.DefaultCRSConfig()
	now := time.Now().UTC()

	// Clock skew: a creation timestamp in the future behaves like age zero.
	score := Compute(Input{
		Sim:       NeutralSim,
		CreatedAt: now.Add(time.Hour),
		LastUsed:  now.Add(time.Hour),
		Now:       now,
	}, cfg)
	assert.InDelta(t, 0.4, score, 1e-9)
}

func TestRecurrence(t *testing.T) {
	assert.Zero(t, recurrence(0, 5))
	assert.InDelta(t, 0.4, recurrence(2, 5), 1e-9)
	assert.InDelta(t, 1.0, recurrence(5, 5), 1e-9)
	assert.InDelta(t, 1.0, recurrence(50, 5), 1e-9)
	// Zero cap falls back to the default of five.
	assert.InDelta(t, 0.2, recurrence(1, 0), 1e-9)
}

func TestOutcomeAggregate(t *testing.T) {
	assert.InDelta(t, 0.5, OutcomeAggregate(nil), 1e-9)

	log := []types.OutcomeEvent{
		{Kind: types.OutcomeThumbsUp},
		{Kind: types.OutcomeThumbsDown},
		{Kind: types.OutcomeRating, Rating: 5},
		{Kind: types.OutcomeCompleted, Completed: false},
	}
	assert.InDelta(t, 0.5, OutcomeAggregate(log), 1e-9)

	log = []types.OutcomeEvent{{Kind: types.OutcomeThumbsUp}, {Kind: types.OutcomeThumbsUp}}
	assert.InDelta(t, 1.0, OutcomeAggregate(log), 1e-9)
}

func TestCorrectionsSignal(t *testing.T) {
	// No edit events: neutral zero, whatever else the log holds.
	assert.Zero(t, CorrectionsSignal([]types.OutcomeEvent{{Kind: types.OutcomeThumbsUp}}))

	// A tiny edit validates, a rewrite repudiates.
	assert.InDelta(t, 1.0, CorrectionsSignal([]types.OutcomeEvent{
		{Kind: types.OutcomeEditDistance, EditDistance: 0},
	}), 1e-9)
	assert.InDelta(t, -1.0, CorrectionsSignal([]types.OutcomeEvent{
		{Kind: types.OutcomeEditDistance, EditDistance: 0.9},
	}), 1e-9)
	assert.InDelta(t, 0.0, CorrectionsSignal([]types.OutcomeEvent{
		{Kind: types.OutcomeEditDistance, EditDistance: 0.25},
	}), 1e-9)

	// Mixed events average.
	assert.InDelta(t, 0.5, CorrectionsSignal([]types.OutcomeEvent{
		{Kind: types.OutcomeEditDistance, EditDistance: 0},
		{Kind: types.OutcomeEditDistance, EditDistance: 0.25},
		{Kind: types.OutcomeThumbsDown},
	}), 1e-9)
}

func TestPIIPenalty(t *testing.T) {
	penalties := types.DefaultCRSConfig().PIIPenalties

	assert.Zero(t, PIIPenalty(nil, penalties))
	assert.InDelta(t, 0.1, PIIPenalty(map[string]int{"email": 3}, penalties), 1e-9)
	// Penalty counts kinds, not occurrences, and caps at 0.5.
	assert.InDelta(t, 0.5, PIIPenalty(map[string]int{"ssn": 1, "credit_card": 1, "email": 1}, penalties), 1e-9)
	// Zero-count flags contribute nothing.
	assert.Zero(t, PIIPenalty(map[string]int{"ssn": 0}, penalties))
}
