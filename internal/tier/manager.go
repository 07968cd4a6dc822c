// Package tier executes tier transition plans: demotions with archival at
// the bottom of the hierarchy, and promotions with grouped consolidation.
// Plans come from the CRS engine; promotions into long-term memory pass
// through policy consent gating before they apply.
package tier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"acms/internal/crs"
	"acms/internal/crypto"
	"acms/internal/embedding"
	"acms/internal/logging"
	"acms/internal/policy"
	"acms/internal/store"
	"acms/internal/types"
)

// defaultConsolidationBudget is the total token budget one consolidation
// pass distributes across its group summaries.
const defaultConsolidationBudget = 1024

// minGroupTokens floors a group's proportional summary target.
const minGroupTokens = 64

// Manager executes transition plans.
type Manager struct {
	store      *store.LocalStore
	policy     *policy.Engine
	keys       *crypto.KeyManager
	embedder   embedding.Engine
	summarizer embedding.Summarizer
}

// NewManager wires the consolidation manager.
func NewManager(st *store.LocalStore, pol *policy.Engine, embedder embedding.Engine, summarizer embedding.Summarizer) *Manager {
	return &Manager{
		store:      st,
		policy:     pol,
		keys:       st.Keys(),
		embedder:   embedder,
		summarizer: summarizer,
	}
}

// ExecutionResult summarizes one plan execution.
type ExecutionResult struct {
	Promoted     int
	Demoted      int
	Archived     int
	Consolidated int
	ConsentHolds int
}

// Execute applies a transition plan: demotions first, then promotions with
// consolidation. Items denied promotion by consent gating stay where they
// are and count as holds.
func (m *Manager) Execute(ctx context.Context, userID string, plan *crs.TransitionPlan) (*ExecutionResult, error) {
	timer := logging.StartTimer(logging.CategoryTier, "Execute")
	defer timer.Stop()

	res := &ExecutionResult{}

	for _, d := range plan.Demotions {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		default:
		}
		if err := m.demote(userID, d, res); err != nil {
			return res, err
		}
	}

	// Promotions consolidate per target tier so groups never mix tiers.
	for _, target := range []types.Tier{types.TierMid, types.TierLong} {
		var batch []crs.TransitionCandidate
		for _, p := range plan.Promotions {
			if p.To != target {
				continue
			}
			if err := m.policy.CheckPromotion(p.Item, target); err != nil {
				if errors.Is(err, types.ErrPIIConsentRequired) {
					res.ConsentHolds++
					continue
				}
				return res, err
			}
			batch = append(batch, p)
		}
		if len(batch) == 0 {
			continue
		}
		if err := m.consolidate(ctx, userID, target, batch, res); err != nil {
			return res, err
		}
	}

	logging.Get(logging.CategoryTier).Infow("plan executed",
		"user", userID,
		"promoted", res.Promoted,
		"demoted", res.Demoted,
		"consolidated", res.Consolidated,
		"consent_holds", res.ConsentHolds)
	return res, nil
}

// demote moves an item one tier down; at the bottom of the hierarchy the
// item archives instead.
func (m *Manager) demote(userID string, d crs.TransitionCandidate, res *ExecutionResult) error {
	if d.From == types.TierShort || d.From == d.To {
		if err := m.store.Archive(userID, []string{d.Item.ID}); err != nil {
			return err
		}
		res.Archived++
		return nil
	}
	if err := m.store.TransitionTier(d.Item.ID, userID, d.To, d.Reason); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		return err
	}
	res.Demoted++
	return nil
}

// =============================================================================
// CONSOLIDATION
// =============================================================================

// groupKey buckets promoted items by topic and creation day.
type groupKey struct {
	topic string
	day   string
}

// consolidate groups the batch by (topic, creation day), summarizes groups
// of two or more into one consolidated item each, and promotes singletons in
// place. The whole outcome commits in one store transaction.
func (m *Manager) consolidate(ctx context.Context, userID string, target types.Tier, batch []crs.TransitionCandidate, res *ExecutionResult) error {
	started := time.Now()

	groups := make(map[groupKey][]crs.TransitionCandidate)
	var order []groupKey
	for _, c := range batch {
		k := groupKey{topic: c.Item.Topic, day: c.Item.CreatedAt.UTC().Format("2006-01-02")}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], c)
	}

	commit := &store.ConsolidationResult{
		UserID:     userID,
		SourceTier: target.Below(),
		TargetTier: target,
	}

	// Group summaries run in parallel; one failure aborts the whole pass so
	// the commit stays all-or-nothing.
	produced := make([]*types.MemoryItem, len(order))
	g, gctx := errgroup.WithContext(ctx)
	for i, k := range order {
		group := groups[k]
		if len(group) < 2 {
			commit.PromoteInPlace = append(commit.PromoteInPlace, group[0].Item.ID)
			continue
		}
		g.Go(func() error {
			item, err := m.summarizeGroup(gctx, userID, k.topic, target, group, len(batch))
			if err != nil {
				return err
			}
			produced[i] = item
			return nil
		})
		for _, c := range group {
			commit.ArchiveIDs = append(commit.ArchiveIDs, c.Item.ID)
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, item := range produced {
		if item != nil {
			commit.Produced = append(commit.Produced, item)
		}
	}

	commit.Duration = time.Since(started)
	if err := m.store.CommitConsolidation(commit); err != nil {
		return err
	}

	res.Promoted += len(batch)
	res.Consolidated += len(commit.Produced)
	return nil
}

// summarizeGroup commissions one group summary and builds the consolidated
// item carrying the mean source score, the union of PII flags, and the
// source id footer.
func (m *Manager) summarizeGroup(ctx context.Context, userID, topic string, target types.Tier, group []crs.TransitionCandidate, total int) (*types.MemoryItem, error) {
	inputs := make([]embedding.SummaryInput, 0, len(group))
	ids := make([]string, 0, len(group))
	piiUnion := make(map[string]int)
	var scoreSum float64

	for _, c := range group {
		full, err := m.store.Get(c.Item.ID, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to read source item %s: %w", c.Item.ID, err)
		}
		inputs = append(inputs, embedding.SummaryInput{ID: full.ID, Text: full.Text})
		ids = append(ids, full.ID)
		scoreSum += full.Score
		for kind, count := range full.PIIFlags {
			piiUnion[kind] += count
		}
	}

	targetTokens := defaultConsolidationBudget * len(group) / total
	if targetTokens < minGroupTokens {
		targetTokens = minGroupTokens
	}

	summary, err := m.summarizer.Summarize(ctx, inputs, "", targetTokens)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize group: %w", err)
	}
	text := summary + "\n\nSources: " + strings.Join(ids, ", ")

	vec, err := m.embedder.Embed(ctx, summary)
	if err != nil {
		return nil, fmt.Errorf("failed to embed summary: %w", err)
	}

	content, keyID, err := m.keys.Encrypt([]byte(text), userID, topic)
	if err != nil {
		return nil, err
	}
	vector, _, err := m.keys.Encrypt(store.EncodeVector(vec), userID, topic)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	pii := piiUnion
	if len(pii) == 0 {
		pii = nil
	}
	return &types.MemoryItem{
		ID:            uuid.NewString(),
		UserID:        userID,
		Topic:         topic,
		Content:       content,
		Vector:        vector,
		Tier:          target,
		Score:         scoreSum / float64(len(group)),
		CreatedAt:     now,
		LastUsed:      now,
		PIIFlags:      pii,
		SourceItems:   ids,
		KeyID:         keyID,
		Version:       1,
		SchemaVersion: types.SchemaVersion,
		EmbedderName:  m.embedder.Name(),
	}, nil
}
