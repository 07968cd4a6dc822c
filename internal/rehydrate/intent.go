// Package rehydrate implements the query-time pipeline: intent
// classification, candidate retrieval, hybrid ranking, policy filtering,
// token-budgeted selection, grouped summarization, and bundle assembly,
// fronted by a TTL cache.
package rehydrate

import (
	"regexp"
	"strings"
)

// Built-in intent tags. Configuration may add domain-specific tags.
const (
	IntentCodeAssist  = "code-assist"
	IntentResearch    = "research"
	IntentMeetingPrep = "meeting-prep"
	IntentWriting     = "writing"
	IntentAnalysis    = "analysis"
	IntentGeneral     = "general"
)

type weightedPattern struct {
	re     *regexp.Regexp
	weight float64
}

// Classifier tags queries with an intent by weighted pattern scoring. The
// highest-scoring intent above the floor wins; everything else is general.
type Classifier struct {
	patterns map[string][]weightedPattern
}

// scoreFloor is the minimum pattern score needed to leave "general".
const scoreFloor = 0.5

var builtinPatterns = map[string][]struct {
	expr   string
	weight float64
}{
	IntentCodeAssist: {
		{`\b(code|function|bug|error|compile|debug|implement|refactor|api|class|method|stack ?trace)\b`, 1.0},
		{`\b(golang|python|javascript|typescript|rust|java|sql)\b`, 0.8},
		{`\b(fix|broken|fails?|crash)\b`, 0.5},
	},
	IntentResearch: {
		{`\b(research|paper|study|studies|literature|survey|compare|comparison|evidence)\b`, 1.0},
		{`\b(what is|what are|how does|why does|explain)\b`, 0.6},
		{`\b(source|citation|reference)\b`, 0.5},
	},
	IntentMeetingPrep: {
		{`\b(meeting|standup|agenda|1:1|one-on-one|sync|call)\b`, 1.0},
		{`\b(prepare|prep|talking points|minutes|attendees)\b`, 0.8},
	},
	IntentWriting: {
		{`\b(write|draft|compose|rewrite|edit|proofread)\b`, 1.0},
		{`\b(email|blog|post|article|letter|memo|doc(ument)?)\b`, 0.8},
		{`\b(tone|wording|phrasing)\b`, 0.5},
	},
	IntentAnalysis: {
		{`\b(analy[sz]e|analysis|metrics|trend|breakdown|statistics|report)\b`, 1.0},
		{`\b(why did|root cause|correlat|impact)\b`, 0.7},
		{`\b(chart|graph|dashboard|numbers)\b`, 0.5},
	},
}

// NewClassifier builds the rule set, merging configured extra intents. Extra
// intents carry plain substring patterns at weight 1.0.
func NewClassifier(extraIntents map[string][]string) *Classifier {
	c := &Classifier{patterns: make(map[string][]weightedPattern)}
	for intent, pats := range builtinPatterns {
		for _, p := range pats {
			c.patterns[intent] = append(c.patterns[intent], weightedPattern{
				re:     regexp.MustCompile(`(?i)` + p.expr),
				weight: p.weight,
			})
		}
	}
	for intent, exprs := range extraIntents {
		for _, expr := range exprs {
			re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(expr) + `\b`)
			if err != nil {
				continue
			}
			c.patterns[intent] = append(c.patterns[intent], weightedPattern{re: re, weight: 1.0})
		}
	}
	return c
}

// Classify tags a query. Empty queries are general.
func (c *Classifier) Classify(query string) string {
	query = strings.TrimSpace(query)
	if query == "" {
		return IntentGeneral
	}

	best := IntentGeneral
	var bestScore float64
	for intent, pats := range c.patterns {
		var score float64
		for _, p := range pats {
			if p.re.MatchString(query) {
				score += p.weight
			}
		}
		if score > bestScore || (score == bestScore && score > 0 && intent < best) {
			best = intent
			bestScore = score
		}
	}
	if bestScore < scoreFloor {
		return IntentGeneral
	}
	return best
}
