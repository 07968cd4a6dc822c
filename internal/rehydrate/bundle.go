package rehydrate

import (
	"time"
	"unicode/utf8"

	"acms/internal/types"
)

// BundleItem is the per-item record inside a context bundle.
type BundleItem struct {
	ID      string     `json:"id"`
	Topic   string     `json:"topic"`
	Tier    types.Tier `json:"tier"`
	Score   float64    `json:"score"`
	Excerpt string     `json:"excerpt"`
	// Relevance is the raw query-to-item cosine similarity in [-1,1].
	Relevance float64 `json:"relevance"`
	// OutcomeRate is the item's aggregated outcome success in [0,1].
	OutcomeRate float64 `json:"outcome_rate"`
	Tokens      int     `json:"tokens"`
}

// ContextBundle is the assembled query-time context.
type ContextBundle struct {
	QueryID string `json:"query_id"`
	Intent  string `json:"intent"`
	// Summary is the concatenated group summaries, each with a trailing
	// source id list.
	Summary     string       `json:"summary"`
	Items       []BundleItem `json:"items"`
	TotalTokens int          `json:"total_tokens"`
	// Partial marks a bundle truncated by a deadline during summarization.
	Partial  bool `json:"partial"`
	CacheHit bool `json:"cache_hit"`

	RetrievalDuration     time.Duration `json:"retrieval_duration"`
	SummarizationDuration time.Duration `json:"summarization_duration"`
}

// ItemIDs lists the ids of the items used in the bundle.
func (b *ContextBundle) ItemIDs() []string {
	ids := make([]string, len(b.Items))
	for i, it := range b.Items {
		ids[i] = it.ID
	}
	return ids
}

// excerptLen bounds per-item excerpts in the bundle.
const excerptLen = 160

func excerpt(text string) string {
	if len(text) <= excerptLen {
		return text
	}
	// Back off to a rune boundary so truncation never splits a multi-byte
	// character.
	cut := excerptLen
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}

// EstimateTokens approximates the token count of a text as len/4.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
