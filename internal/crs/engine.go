package crs

import (
	"context"
	"fmt"
	"sort"
	"time"

	"acms/internal/embedding"
	"acms/internal/logging"
	"acms/internal/store"
	"acms/internal/types"
)

// =============================================================================
// BATCH RECOMPUTE AND TRANSITION EVALUATION
// =============================================================================

// Engine binds score computation to the store for batch recomputes and
// transition planning.
type Engine struct {
	store      *store.LocalStore
	defaultCfg types.CRSConfig
}

// NewEngine creates a CRS engine. cfg is the fallback configuration for users
// whose profile carries no overrides.
func NewEngine(st *store.LocalStore, cfg types.CRSConfig) *Engine {
	return &Engine{store: st, defaultCfg: cfg}
}

// InitialScore computes the score for a freshly ingested item against the
// user's current profile.
func (e *Engine) InitialScore(item *store.DecryptedItem, profile *types.UserProfile) float64 {
	cfg := e.configFor(profile)
	return Compute(Input{
		Sim:         e.similarity(item.Vec, profile, item.Topic),
		AccessCount: item.AccessCount,
		OutcomeLog:  item.OutcomeLog,
		CreatedAt:   item.CreatedAt,
		LastUsed:    item.LastUsed,
		PIIFlags:    item.PIIFlags,
	}, cfg)
}

// RecomputeUser rescoring pass: refreshes the user's topic centroids, then
// recomputes every non-archived item's score. Returns the number of items
// updated. Checks ctx between items so the scheduler can cancel mid-batch.
func (e *Engine) RecomputeUser(ctx context.Context, userID string) (int, error) {
	timer := logging.StartTimer(logging.CategoryCRS, "RecomputeUser")
	defer timer.Stop()

	profile, err := e.store.GetProfile(userID)
	if err != nil {
		return 0, fmt.Errorf("failed to load profile: %w", err)
	}
	cfg := e.configFor(profile)

	items, err := e.decryptedItems(ctx, userID)
	if err != nil {
		return 0, err
	}

	// Refresh centroids from the live vectors before scoring against them.
	byTopic := make(map[string][][]float32)
	for _, it := range items {
		byTopic[it.Topic] = append(byTopic[it.Topic], it.Vec)
	}
	profile.Centroids = make(map[string][]float32, len(byTopic))
	profile.TopicCounts = make(map[string]int, len(byTopic))
	for topic, vecs := range byTopic {
		profile.Centroids[topic] = embedding.Centroid(vecs)
		profile.TopicCounts[topic] = len(vecs)
	}
	if err := e.store.SaveProfile(profile); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	updated := 0
	for _, it := range items {
		select {
		case <-ctx.Done():
			return updated, ctx.Err()
		default:
		}

		score := Compute(Input{
			Sim:         e.similarity(it.Vec, profile, it.Topic),
			AccessCount: it.AccessCount,
			OutcomeLog:  it.OutcomeLog,
			CreatedAt:   it.CreatedAt,
			LastUsed:    it.LastUsed,
			PIIFlags:    it.PIIFlags,
			Now:         now,
		}, cfg)

		if err := e.store.UpdateScore(it.ID, userID, score, it.Version); err != nil {
			// A concurrent access bump moved the version; the nightly pass
			// will pick the item up again.
			logging.Get(logging.CategoryCRS).Debugw("skipping stale item",
				"item", it.ID, "error", err)
			continue
		}
		updated++
	}

	_ = e.store.AppendAudit(types.AuditEvent{
		UserID:   userID,
		Action:   types.AuditWrite,
		Metadata: map[string]any{"job": "crs_recompute", "items_updated": updated},
	})
	return updated, nil
}

// similarity resolves the sim component for one item, neutral when the topic
// has too few items to have a representative centroid.
func (e *Engine) similarity(vec []float32, profile *types.UserProfile, topic string) float64 {
	if profile.TopicCounts[topic] < 3 {
		return NeutralSim
	}
	centroid, ok := profile.Centroids[topic]
	if !ok {
		return NeutralSim
	}
	sim, err := embedding.CosineSimilarity(vec, centroid)
	if err != nil {
		return NeutralSim
	}
	// Cosine is [-1,1]; the score formula wants [0,1].
	return (sim + 1) / 2
}

func (e *Engine) configFor(profile *types.UserProfile) types.CRSConfig {
	if profile != nil && profile.CRS.DecayLambdaPerDay > 0 {
		return profile.CRS
	}
	return e.defaultCfg
}

// decryptedItems pages through the user's non-archived items and decrypts
// them for vector access.
func (e *Engine) decryptedItems(ctx context.Context, userID string) ([]*store.DecryptedItem, error) {
	var out []*store.DecryptedItem
	const pageSize = 200
	for offset := 0; ; offset += pageSize {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		page, err := e.store.List(userID, store.ListFilter{}, offset, pageSize)
		if err != nil {
			return nil, err
		}
		for _, meta := range page.Items {
			item, err := e.store.Get(meta.ID, userID)
			if err != nil {
				logging.Get(logging.CategoryCRS).Warnw("skipping unreadable item",
					"item", meta.ID, "error", err)
				continue
			}
			out = append(out, item)
		}
		if offset+pageSize >= page.Total {
			return out, nil
		}
	}
}

// =============================================================================
// TRANSITION PLANNING
// =============================================================================

// TransitionCandidate is one planned tier move. The tier manager executes
// the plan; promotions to long-term memory pass through policy gating first.
type TransitionCandidate struct {
	Item   *types.MemoryItem
	From   types.Tier
	To     types.Tier
	Reason types.TransitionReason
}

// TransitionPlan is the output of one evaluation pass.
type TransitionPlan struct {
	Promotions []TransitionCandidate
	Demotions  []TransitionCandidate
}

// EvaluateTransitions plans tier moves for a user from current scores:
// short to mid when score exceeds the threshold with enough uses, mid to
// long when score, age, and aggregated outcome all clear their thresholds,
// and demotion one tier down on low score or prolonged inactivity. Pinned
// items never demote. Candidates are ordered by access count, then
// last-used recency, then id.
func (e *Engine) EvaluateTransitions(ctx context.Context, userID string) (*TransitionPlan, error) {
	timer := logging.StartTimer(logging.CategoryCRS, "EvaluateTransitions")
	defer timer.Stop()

	profile, err := e.store.GetProfile(userID)
	if err != nil {
		return nil, err
	}
	th := e.configFor(profile).Thresholds

	plan := &TransitionPlan{}
	now := time.Now().UTC()

	const pageSize = 200
	for offset := 0; ; offset += pageSize {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		page, err := e.store.List(userID, store.ListFilter{}, offset, pageSize)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			e.classify(item, th, now, plan)
		}
		if offset+pageSize >= page.Total {
			break
		}
	}

	sortCandidates(plan.Promotions)
	sortCandidates(plan.Demotions)
	return plan, nil
}

func (e *Engine) classify(item *types.MemoryItem, th types.TierThresholds, now time.Time, plan *TransitionPlan) {
	ageDays := now.Sub(item.CreatedAt).Hours() / 24
	idleDays := now.Sub(item.LastUsed).Hours() / 24

	// Demotion takes precedence over promotion. A short-tier demotion has no
	// lower tier to land in; the manager archives it (From == To).
	if !item.Pinned {
		if item.Score < th.DemotionScore {
			plan.Demotions = append(plan.Demotions, TransitionCandidate{
				Item: item, From: item.Tier, To: item.Tier.Below(),
				Reason: types.ReasonCRSThreshold,
			})
			return
		}
		if idleDays > th.DemotionInactivityDays {
			plan.Demotions = append(plan.Demotions, TransitionCandidate{
				Item: item, From: item.Tier, To: item.Tier.Below(),
				Reason: types.ReasonInactivity,
			})
			return
		}
	}

	switch item.Tier {
	case types.TierShort:
		if item.Score > th.ShortToMidScore && item.AccessCount >= th.ShortToMidUses {
			plan.Promotions = append(plan.Promotions, TransitionCandidate{
				Item: item, From: types.TierShort, To: types.TierMid,
				Reason: types.ReasonCRSThreshold,
			})
		}
	case types.TierMid:
		if item.Score > th.MidToLongScore &&
			ageDays >= th.MidToLongAgeDays &&
			OutcomeAggregate(item.OutcomeLog) >= th.MidToLongOutcome {
			plan.Promotions = append(plan.Promotions, TransitionCandidate{
				Item: item, From: types.TierMid, To: types.TierLong,
				Reason: types.ReasonCRSThreshold,
			})
		}
	}
}

func sortCandidates(cs []TransitionCandidate) {
	sort.Slice(cs, func(i, j int) bool {
		a, b := cs[i].Item, cs[j].Item
		if a.AccessCount != b.AccessCount {
			return a.AccessCount > b.AccessCount
		}
		if !a.LastUsed.Equal(b.LastUsed) {
			return a.LastUsed.After(b.LastUsed)
		}
		return a.ID < b.ID
	})
}
