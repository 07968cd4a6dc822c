// Package crs implements the Context Retention Score engine: the per-item
// scalar in [0,1] that drives tier placement and ranking. Score computation
// is pure; the batch recompute and transition evaluation live in engine.go.
package crs

import (
	"math"
	"time"

	"acms/internal/types"
)

// PIIPenaltyCap bounds the total PII deduction regardless of how many kinds
// an item carries.
const PIIPenaltyCap = 0.5

// Input carries the resolved signals for one score computation. Similarity
// against the topic centroid is resolved by the caller so Compute stays pure.
type Input struct {
	// Sim is the cosine similarity between the item's vector and the
	// user's topic centroid, already mapped to [0,1]. Use NeutralSim when
	// the topic has fewer than three items.
	Sim         float64
	AccessCount int
	OutcomeLog  []types.OutcomeEvent
	CreatedAt   time.Time
	LastUsed    time.Time
	PIIFlags    map[string]int
	Now         time.Time
}

// NeutralSim is the similarity assigned when a topic centroid is not yet
// representative.
const NeutralSim = 0.5

// Compute evaluates the retention score:
//
//	base  = w_sim*sim + w_rec*freq + w_out*outcome + w_corr*corr + w_recent*recency
//	score = clip(base * exp(-lambda * age_days) - pii_penalty, 0, 1)
func Compute(in Input, cfg types.CRSConfig) float64 {
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	freq := recurrence(in.AccessCount, cfg.RecurrenceCap)
	outcome := OutcomeAggregate(in.OutcomeLog)
	corr := CorrectionsSignal(in.OutcomeLog)

	ageDays := now.Sub(in.CreatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	recency := 1 / (1 + ageDays)

	base := cfg.WeightSim*in.Sim +
		cfg.WeightRecurrence*freq +
		cfg.WeightOutcome*outcome +
		cfg.WeightCorrections*corr +
		cfg.WeightRecency*recency

	score := base*math.Exp(-cfg.DecayLambdaPerDay*ageDays) - PIIPenalty(in.PIIFlags, cfg.PIIPenalties)
	return clip01(score)
}

// recurrence maps access count onto [0,1] with a soft cap.
func recurrence(accessCount, cap int) float64 {
	if cap <= 0 {
		cap = 5
	}
	f := float64(accessCount) / float64(cap)
	if f > 1 {
		f = 1
	}
	return f
}

// OutcomeAggregate is the arithmetic mean of the per-event success scores,
// 0.5 when no outcomes have been recorded.
func OutcomeAggregate(log []types.OutcomeEvent) float64 {
	if len(log) == 0 {
		return 0.5
	}
	var sum float64
	for _, ev := range log {
		sum += ev.SuccessScore()
	}
	return sum / float64(len(log))
}

// CorrectionsSignal derives the [-1,1] corrections component from recorded
// edit-distance events: small edits validate the item, large edits repudiate
// it. Items with no edit events score 0.
func CorrectionsSignal(log []types.OutcomeEvent) float64 {
	var sum float64
	var n int
	for _, ev := range log {
		if ev.Kind != types.OutcomeEditDistance {
			continue
		}
		x := ev.EditDistance / 0.5
		if x > 1 {
			x = 1
		}
		sum += 1 - 2*x
		n++
	}
	if n == 0 {
		return 0
	}
	c := sum / float64(n)
	if c > 1 {
		c = 1
	}
	if c < -1 {
		c = -1
	}
	return c
}

// PIIPenalty sums the per-kind penalty weights over the item's flags, capped.
func PIIPenalty(flags map[string]int, penalties map[string]float64) float64 {
	var p float64
	for kind, count := range flags {
		if count > 0 {
			p += penalties[kind]
		}
	}
	if p > PIIPenaltyCap {
		p = PIIPenaltyCap
	}
	return p
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
