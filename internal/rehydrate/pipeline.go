package rehydrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"acms/internal/config"
	"acms/internal/crs"
	"acms/internal/embedding"
	"acms/internal/logging"
	"acms/internal/policy"
	"acms/internal/store"
	"acms/internal/types"
)

// Request is one rehydration call.
type Request struct {
	Query          string
	UserID         string
	Topic          string
	Intent         string // optional; classified when empty
	TokenBudget    int    // 0 means the configured default
	ComplianceMode bool // constrains retrieval to Topic, which must be set
}

// Rehydrator runs the query-time pipeline.
type Rehydrator struct {
	store      *store.LocalStore
	policy     *policy.Engine
	classifier *Classifier
	embedder   embedding.Engine
	summarizer embedding.Summarizer
	cfg        *config.Config

	cache *bundleCache
	group singleflight.Group

	// sem bounds concurrent pipeline executions; waiting beyond the queue
	// depth returns Overloaded.
	sem     chan struct{}
	queueMu sync.Mutex
	queued  int
}

// NewRehydrator wires the pipeline.
func NewRehydrator(st *store.LocalStore, pol *policy.Engine, embedder embedding.Engine, summarizer embedding.Summarizer, cfg *config.Config) *Rehydrator {
	concurrency := cfg.RateLimits.RehydrateConcurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Rehydrator{
		store:      st,
		policy:     pol,
		classifier: NewClassifier(cfg.Retrieval.ExtraIntents),
		embedder:   embedder,
		summarizer: summarizer,
		cfg:        cfg,
		cache:      newBundleCache(cfg.Cache.MaxEntries, cfg.GetCacheTTL()),
		sem:        make(chan struct{}, concurrency),
	}
}

// InvalidateUser drops the user's cached bundles. Callers invoke this after
// any mutation affecting the user's items.
func (r *Rehydrator) InvalidateUser(userID string) {
	r.cache.invalidateUser(userID)
}

// Rehydrate assembles a context bundle for the query. Cache hits return
// stored bundles; misses run the full pipeline and populate the cache only
// on uncancelled success.
func (r *Rehydrator) Rehydrate(ctx context.Context, req Request) (*ContextBundle, error) {
	timer := logging.StartTimer(logging.CategoryRehydrate, "Rehydrate")
	defer timer.Stop()

	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", types.ErrValidation)
	}
	if req.TokenBudget <= 0 {
		req.TokenBudget = r.cfg.Rehydration.TokenBudgetDefault
	}
	if req.Topic != "" && !types.ValidTopic(req.Topic) {
		return nil, fmt.Errorf("%w: invalid topic %q", types.ErrValidation, req.Topic)
	}
	if req.ComplianceMode && req.Topic == "" {
		return nil, fmt.Errorf("%w: compliance mode requires a topic", types.ErrValidation)
	}

	if err := r.acquire(ctx); err != nil {
		return nil, err
	}
	defer func() { <-r.sem }()

	intent := req.Intent
	if intent == "" {
		intent = r.classifier.Classify(req.Query)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := cacheKey(req.UserID, req.Query, req.Topic, intent, req.ComplianceMode, req.TokenBudget)
	if cached, ok := r.cache.get(key); ok {
		hit := *cached
		hit.CacheHit = true
		return &hit, nil
	}

	// Single-writer per key: identical concurrent queries share one build.
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		bundle, err := r.build(ctx, req, intent)
		if err != nil {
			return nil, err
		}
		if ctx.Err() == nil && !bundle.Partial {
			r.cache.put(req.UserID, key, bundle)
		}
		return bundle, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ContextBundle), nil
}

// acquire takes a pipeline slot, queueing up to the configured depth.
func (r *Rehydrator) acquire(ctx context.Context) error {
	select {
	case r.sem <- struct{}{}:
		return nil
	default:
	}

	r.queueMu.Lock()
	if r.queued >= r.cfg.RateLimits.QueueDepth {
		r.queueMu.Unlock()
		return types.ErrOverloaded
	}
	r.queued++
	r.queueMu.Unlock()
	defer func() {
		r.queueMu.Lock()
		r.queued--
		r.queueMu.Unlock()
	}()

	select {
	case r.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// PIPELINE STAGES
// =============================================================================

func (r *Rehydrator) build(ctx context.Context, req Request, intent string) (*ContextBundle, error) {
	bundle := &ContextBundle{
		QueryID: uuid.NewString(),
		Intent:  intent,
		Items:   []BundleItem{},
	}

	// Stage 2: candidate retrieval. Compliance mode constrains the search
	// itself; otherwise all topics are candidates.
	retrievalStart := time.Now()
	candidates, err := r.retrieve(ctx, req)
	if err != nil {
		return nil, err
	}

	// Stage 3: hybrid ranking.
	ranked := r.rank(candidates, intent)

	// Stage 4: policy filter.
	filtered := r.policy.FilterCandidates(ranked, req.UserID, req.Topic, req.ComplianceMode)
	bundle.RetrievalDuration = time.Since(retrievalStart)

	// Stage 5: token-budgeted selection.
	selected, usable := r.selectWithinBudget(filtered, req.TokenBudget)
	if len(selected) == 0 {
		r.sideEffects(req, bundle)
		return bundle, nil
	}

	// Stage 6: grouped summarization.
	summarizationStart := time.Now()
	summaries, included, partial, err := r.summarize(ctx, selected, intent, usable)
	bundle.SummarizationDuration = time.Since(summarizationStart)
	if err != nil {
		return nil, err
	}
	bundle.Partial = partial

	// Stage 7: assembly. Only items from completed groups count.
	bundle.Summary = strings.Join(summaries, "\n\n")
	for _, item := range included {
		bundle.Items = append(bundle.Items, BundleItem{
			ID:          item.ID,
			Topic:       item.Topic,
			Tier:        item.Tier,
			Score:       item.Score,
			Excerpt:     excerpt(item.Text),
			Relevance:   item.Similarity,
			OutcomeRate: crs.OutcomeAggregate(item.OutcomeLog),
			Tokens:      EstimateTokens(item.Text),
		})
	}
	bundle.TotalTokens = EstimateTokens(bundle.Summary)
	for _, it := range bundle.Items {
		bundle.TotalTokens += EstimateTokens(it.Excerpt)
	}

	r.sideEffects(req, bundle)
	return bundle, nil
}

// retrieve embeds the query and searches the vector index.
func (r *Rehydrator) retrieve(ctx context.Context, req Request) ([]*store.DecryptedItem, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, nil
	}

	embedCtx, cancel := context.WithTimeout(ctx, r.cfg.GetEmbeddingTimeout())
	defer cancel()
	vec, err := r.embedder.Embed(embedCtx, req.Query)
	if err != nil {
		return nil, err
	}

	topic := ""
	if req.ComplianceMode {
		topic = req.Topic
	}
	return r.store.Search(vec, req.UserID, store.SearchFilter{
		Topic:    topic,
		MinScore: r.cfg.Retrieval.MinScore,
	}, r.cfg.Retrieval.KCandidates)
}

// rank orders candidates by the hybrid score, with the intent's weight
// overrides applied. Ties break on retention score, then last-used recency.
func (r *Rehydrator) rank(items []*store.DecryptedItem, intent string) []*store.DecryptedItem {
	w := r.cfg.HybridFor(intent)
	now := time.Now().UTC()

	hybrid := make(map[string]float64, len(items))
	for _, item := range items {
		recencyDays := now.Sub(item.LastUsed).Hours() / 24
		if recencyDays < 0 {
			recencyDays = 0
		}
		score := w.Alpha*(item.Similarity+1)/2 +
			w.Beta*(1/(1+recencyDays)) +
			w.Gamma*crs.OutcomeAggregate(item.OutcomeLog) +
			w.Delta*item.Score
		hybrid[item.ID] = score
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if hybrid[a.ID] != hybrid[b.ID] {
			return hybrid[a.ID] > hybrid[b.ID]
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.LastUsed.After(b.LastUsed)
	})
	return items
}

// selectWithinBudget reserves the overhead share, then adds items in ranked
// order until the first one that does not fit. Returns the selection and the
// usable token budget.
func (r *Rehydrator) selectWithinBudget(items []*store.DecryptedItem, budget int) ([]*store.DecryptedItem, int) {
	reserve := budget * r.cfg.Rehydration.OverheadReservePercent / 100
	usable := budget - reserve
	if usable <= 0 {
		return nil, 0
	}

	var selected []*store.DecryptedItem
	remaining := usable
	for _, item := range items {
		cost := EstimateTokens(item.Text)
		if cost > remaining {
			break
		}
		selected = append(selected, item)
		remaining -= cost
	}
	return selected, usable
}

// summaryGroup is one (topic, creation day) summarization unit.
type summaryGroup struct {
	key   string
	items []*store.DecryptedItem
}

// summarize runs per-group summarization in parallel. When the deadline
// expires mid-way, completed groups are returned with partial=true as long
// as at least one finished; otherwise the deadline error surfaces.
func (r *Rehydrator) summarize(ctx context.Context, selected []*store.DecryptedItem, intent string, usable int) ([]string, []*store.DecryptedItem, bool, error) {
	groups := groupByTopicDay(selected)

	totalTokens := 0
	for _, item := range selected {
		totalTokens += EstimateTokens(item.Text)
	}

	type result struct {
		idx     int
		summary string
		err     error
	}
	results := make(chan result, len(groups))
	var wg sync.WaitGroup
	for i, g := range groups {
		groupTokens := 0
		for _, item := range g.items {
			groupTokens += EstimateTokens(item.Text)
		}
		target := usable
		if totalTokens > 0 {
			target = usable * groupTokens / totalTokens
		}
		if target < 16 {
			target = 16
		}

		wg.Add(1)
		go func(idx int, g summaryGroup, target int) {
			defer wg.Done()
			inputs := make([]embedding.SummaryInput, len(g.items))
			ids := make([]string, len(g.items))
			for j, item := range g.items {
				inputs[j] = embedding.SummaryInput{ID: item.ID, Text: item.Text}
				ids[j] = item.ID
			}
			text, err := r.summarizer.Summarize(ctx, inputs, intent, target)
			if err != nil {
				results <- result{idx: idx, err: err}
				return
			}
			results <- result{idx: idx, summary: text + "\n[sources: " + strings.Join(ids, ", ") + "]"}
		}(i, g, target)
	}
	wg.Wait()
	close(results)

	summaries := make([]string, len(groups))
	completed := make([]bool, len(groups))
	var firstErr error
	failures := 0
	for res := range results {
		if res.err != nil {
			failures++
			if firstErr == nil || !isDeadline(res.err) {
				firstErr = res.err
			}
			continue
		}
		summaries[res.idx] = res.summary
		completed[res.idx] = true
	}

	if failures == len(groups) {
		return nil, nil, false, firstErr
	}
	if failures > 0 && !isDeadline(firstErr) {
		return nil, nil, false, firstErr
	}

	var out []string
	var included []*store.DecryptedItem
	for i, g := range groups {
		if !completed[i] {
			continue
		}
		out = append(out, summaries[i])
		included = append(included, g.items...)
	}
	return out, included, failures > 0, nil
}

func isDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// groupByTopicDay buckets items by topic and creation day, preserving rank
// order within and across groups.
func groupByTopicDay(items []*store.DecryptedItem) []summaryGroup {
	index := make(map[string]int)
	var groups []summaryGroup
	for _, item := range items {
		key := item.Topic + "/" + item.CreatedAt.UTC().Format("2006-01-02")
		if i, ok := index[key]; ok {
			groups[i].items = append(groups[i].items, item)
			continue
		}
		index[key] = len(groups)
		groups = append(groups, summaryGroup{key: key, items: []*store.DecryptedItem{item}})
	}
	return groups
}

// sideEffects records access and the query log off the request path.
func (r *Rehydrator) sideEffects(req Request, bundle *ContextBundle) {
	ids := bundle.ItemIDs()
	queryHash := hashText(req.Query)
	go func() {
		if len(ids) > 0 {
			if err := r.store.RecordAccess(req.UserID, ids); err != nil {
				logging.Get(logging.CategoryRehydrate).Warnw("failed to record access", "error", err)
			}
		}
		if err := r.store.RecordQuery(types.QueryLogRecord{
			QueryID:   bundle.QueryID,
			UserID:    req.UserID,
			QueryHash: queryHash,
			ItemsUsed: ids,
		}); err != nil {
			logging.Get(logging.CategoryRehydrate).Warnw("failed to record query", "error", err)
		}
	}()
}

func hashText(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}
