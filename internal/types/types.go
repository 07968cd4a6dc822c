// Package types provides the shared data model used across ACMS packages.
// This package exists to break import cycles between the store, CRS engine,
// policy engine, and rehydration pipeline. Types here are foundational data
// structures with no complex dependencies.
package types

import (
	"fmt"
	"regexp"
	"time"
)

// =============================================================================
// RETENTION TIERS
// =============================================================================

// Tier is the coarse retention class of a memory item.
type Tier string

const (
	TierShort Tier = "short"
	TierMid   Tier = "mid"
	TierLong  Tier = "long"
)

// Valid reports whether t is one of the three known tiers.
func (t Tier) Valid() bool {
	return t == TierShort || t == TierMid || t == TierLong
}

// Below returns the next-lower tier, or TierShort if already at the bottom.
func (t Tier) Below() Tier {
	switch t {
	case TierLong:
		return TierMid
	case TierMid:
		return TierShort
	default:
		return TierShort
	}
}

// =============================================================================
// MEMORY ITEM
// =============================================================================

// SchemaVersion is the current memory item schema. Insert rejects items
// carrying any other version.
const SchemaVersion = 1

// OutcomeLogCap bounds the per-item outcome log; the oldest event is evicted
// when a new one arrives at the cap.
const OutcomeLogCap = 100

// topicPattern matches valid topic identifiers: lowercase alphanumeric
// plus '-' and '_', at most 64 characters.
var topicPattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidTopic reports whether the given topic identifier is well-formed.
func ValidTopic(topic string) bool {
	return topicPattern.MatchString(topic)
}

// MemoryItem is the atomic unit of memory. Content and Vector hold the
// encrypted envelope blobs produced by the crypto package; plaintext never
// appears on this struct outside of a decrypt-on-read path.
type MemoryItem struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Topic     string    `json:"topic"`
	Content   []byte    `json:"content"` // encrypted envelope blob
	Vector    []byte    `json:"vector"`  // encrypted envelope blob
	Tier      Tier      `json:"tier"`
	Score     float64   `json:"score"` // retention score, [0,1]
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`
	// AccessCount is monotonic; it never decreases.
	AccessCount int `json:"access_count"`
	// PIIFlags maps a detected kind ("email", "ssn", ...) to its occurrence
	// count. Once set, flags are cleared only by erasure.
	PIIFlags   map[string]int `json:"pii_flags,omitempty"`
	OutcomeLog []OutcomeEvent `json:"outcome_log,omitempty"`
	Archived   bool           `json:"archived"`
	ArchivedAt time.Time      `json:"archived_at,omitempty"`
	// SourceItems lists the archived items this item consolidates.
	// Present only on items created by consolidation.
	SourceItems []string `json:"source_items,omitempty"`
	KeyID       string   `json:"key_id"`
	Pinned      bool     `json:"pinned"`
	Quarantined bool     `json:"quarantined"`
	// Version is the optimistic-concurrency stamp; bumped on every write.
	Version       int64 `json:"version"`
	SchemaVersion int   `json:"schema_version"`
	// EmbedderName records which backend produced the vector.
	EmbedderName string `json:"embedder_name,omitempty"`
}

// Validate checks the item's universal invariants.
func (m *MemoryItem) Validate() error {
	if m.ID == "" || m.UserID == "" {
		return fmt.Errorf("%w: item id and user id are required", ErrValidation)
	}
	if !ValidTopic(m.Topic) {
		return fmt.Errorf("%w: invalid topic %q", ErrValidation, m.Topic)
	}
	if !m.Tier.Valid() {
		return fmt.Errorf("%w: invalid tier %q", ErrValidation, m.Tier)
	}
	if m.Score < 0 || m.Score > 1 {
		return fmt.Errorf("%w: score %f out of [0,1]", ErrValidation, m.Score)
	}
	if m.AccessCount < 0 {
		return fmt.Errorf("%w: negative access count", ErrValidation)
	}
	if m.LastUsed.Before(m.CreatedAt) {
		return fmt.Errorf("%w: last_used precedes created_at", ErrValidation)
	}
	return nil
}

// AppendOutcome appends an outcome event, evicting the oldest entry when the
// log is at capacity.
func (m *MemoryItem) AppendOutcome(ev OutcomeEvent) {
	if len(m.OutcomeLog) >= OutcomeLogCap {
		m.OutcomeLog = m.OutcomeLog[1:]
	}
	m.OutcomeLog = append(m.OutcomeLog, ev)
}

// =============================================================================
// USER PROFILE
// =============================================================================

// UserProfile carries per-user retrieval state: one representative vector per
// topic (centroid of the topic's non-archived items, updated lazily) and the
// user's CRS configuration.
type UserProfile struct {
	UserID    string               `json:"user_id"`
	Centroids map[string][]float32 `json:"centroids"`
	// TopicCounts tracks how many non-archived items back each centroid;
	// topics with fewer than three items score a neutral similarity.
	TopicCounts map[string]int `json:"topic_counts"`
	CRS         CRSConfig      `json:"crs"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// CRSConfig holds the per-user Context Retention Score parameters.
type CRSConfig struct {
	WeightSim         float64            `json:"weight_sim" yaml:"sim"`
	WeightRecurrence  float64            `json:"weight_recurrence" yaml:"recurrence"`
	WeightOutcome     float64            `json:"weight_outcome" yaml:"outcome"`
	WeightCorrections float64            `json:"weight_corrections" yaml:"corrections"`
	WeightRecency     float64            `json:"weight_recency" yaml:"recency"`
	DecayLambdaPerDay float64            `json:"decay_lambda_per_day" yaml:"decay_lambda_per_day"`
	RecurrenceCap     int                `json:"recurrence_cap" yaml:"recurrence_cap"`
	PIIPenalties      map[string]float64 `json:"pii_penalties" yaml:"pii_penalties"`
	Thresholds        TierThresholds     `json:"thresholds" yaml:"thresholds"`
}

// TierThresholds control tier transitions.
type TierThresholds struct {
	ShortToMidScore        float64 `json:"short_to_mid_score" yaml:"short_to_mid_score"`
	ShortToMidUses         int     `json:"short_to_mid_uses" yaml:"short_to_mid_uses"`
	MidToLongScore         float64 `json:"mid_to_long_score" yaml:"mid_to_long_score"`
	MidToLongAgeDays       float64 `json:"mid_to_long_age_days" yaml:"mid_to_long_age_days"`
	MidToLongOutcome       float64 `json:"mid_to_long_outcome" yaml:"mid_to_long_outcome"`
	DemotionScore          float64 `json:"demotion_score" yaml:"demotion_score"`
	DemotionInactivityDays float64 `json:"demotion_inactivity_days" yaml:"demotion_inactivity_days"`
}

// DefaultCRSConfig returns the documented default CRS parameters.
// The five weights sum to 1.0.
func DefaultCRSConfig() CRSConfig {
	return CRSConfig{
		WeightSim:         0.35,
		WeightRecurrence:  0.20,
		WeightOutcome:     0.25,
		WeightCorrections: 0.10,
		WeightRecency:     0.10,
		DecayLambdaPerDay: 0.02,
		RecurrenceCap:     5,
		PIIPenalties: map[string]float64{
			"ssn":         0.5,
			"credit_card": 0.4,
			"email":       0.1,
			"phone":       0.1,
			"ip":          0.05,
		},
		Thresholds: TierThresholds{
			ShortToMidScore:        0.65,
			ShortToMidUses:         3,
			MidToLongScore:         0.80,
			MidToLongAgeDays:       7,
			MidToLongOutcome:       0.7,
			DemotionScore:          0.35,
			DemotionInactivityDays: 30,
		},
	}
}

// =============================================================================
// USERS
// =============================================================================

// User is a registered principal. CredentialHash is a PBKDF2 hash; PublicKey
// is the X25519 key export bundles are sealed to.
type User struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	CredentialHash string    `json:"-"`
	PublicKey      []byte    `json:"public_key"`
	CreatedAt      time.Time `json:"created_at"`
}
