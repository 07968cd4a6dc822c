package types

import "time"

// =============================================================================
// EVENT RECORDS
// =============================================================================
// All event records are immutable once written. They reference items and
// users by opaque id; no event creates ownership.

// TransitionReason is the recorded cause of a tier transition.
type TransitionReason string

const (
	ReasonCRSThreshold TransitionReason = "crs_threshold"
	ReasonInactivity   TransitionReason = "inactivity"
	ReasonPIIBlock     TransitionReason = "pii_block"
	ReasonUserPin      TransitionReason = "user_pin"
	ReasonConsolidated TransitionReason = "consolidated"
)

// TierTransitionEvent records a single item moving between tiers.
type TierTransitionEvent struct {
	ItemID    string           `json:"item_id"`
	UserID    string           `json:"user_id"`
	FromTier  Tier             `json:"from_tier"`
	ToTier    Tier             `json:"to_tier"`
	Score     float64          `json:"score"`
	Reason    TransitionReason `json:"reason"`
	Timestamp time.Time        `json:"timestamp"`
}

// ConsolidationEvent records one consolidation transaction.
type ConsolidationEvent struct {
	UserID      string        `json:"user_id"`
	SourceTier  Tier          `json:"source_tier"`
	TargetTier  Tier          `json:"target_tier"`
	SourceCount int           `json:"source_count"`
	ProducedIDs []string      `json:"produced_ids"`
	Duration    time.Duration `json:"duration"`
	Timestamp   time.Time     `json:"timestamp"`
}

// AuditAction enumerates the auditable operations.
type AuditAction string

const (
	AuditRead         AuditAction = "read"
	AuditWrite        AuditAction = "write"
	AuditDelete       AuditAction = "delete"
	AuditExport       AuditAction = "export"
	AuditTransition   AuditAction = "transition"
	AuditConsolidate  AuditAction = "consolidate"
	AuditRotate       AuditAction = "rotate"
	AuditPolicyFilter AuditAction = "policy_filter"
	AuditLogin        AuditAction = "login"
)

// AuditEvent is an append-only audit trail entry.
type AuditEvent struct {
	UserID     string         `json:"user_id"`
	Action     AuditAction    `json:"action"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ClientIP   string         `json:"client_ip,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// =============================================================================
// OUTCOMES AND QUERY LOG
// =============================================================================

// OutcomeKind enumerates recordable outcome signals.
type OutcomeKind string

const (
	OutcomeThumbsUp     OutcomeKind = "thumbs_up"
	OutcomeThumbsDown   OutcomeKind = "thumbs_down"
	OutcomeRating       OutcomeKind = "rating"
	OutcomeEditDistance OutcomeKind = "edit_distance"
	OutcomeCompleted    OutcomeKind = "completed"
)

// OutcomeEvent is structured end-user feedback tied to a prior query.
type OutcomeEvent struct {
	QueryID string      `json:"query_id"`
	Kind    OutcomeKind `json:"kind"`
	// Rating is 1-5, meaningful only for OutcomeRating.
	Rating int `json:"rating,omitempty"`
	// EditDistance is in [0,1], meaningful only for OutcomeEditDistance.
	EditDistance float64 `json:"edit_distance,omitempty"`
	// Completed is meaningful only for OutcomeCompleted.
	Completed             bool      `json:"completed,omitempty"`
	CompletionTimeSeconds float64   `json:"completion_time_seconds,omitempty"`
	Timestamp             time.Time `json:"timestamp"`
}

// SuccessScore derives the [0,1] success signal CRS aggregates over.
func (e OutcomeEvent) SuccessScore() float64 {
	switch e.Kind {
	case OutcomeThumbsUp:
		return 1
	case OutcomeThumbsDown:
		return 0
	case OutcomeRating:
		if e.Rating >= 4 {
			return 1
		}
		return 0
	case OutcomeEditDistance:
		x := e.EditDistance / 0.5
		if x > 1 {
			x = 1
		}
		return 1 - x
	case OutcomeCompleted:
		if e.Completed {
			return 1
		}
		return 0
	}
	return 0.5
}

// QueryLogRecord links a query to the items used in its bundle. Only content
// hashes are stored, never the query or response text.
type QueryLogRecord struct {
	QueryID      string    `json:"query_id"`
	UserID       string    `json:"user_id"`
	QueryHash    string    `json:"query_hash"`
	ItemsUsed    []string  `json:"items_used"`
	ResponseHash string    `json:"response_hash,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}
