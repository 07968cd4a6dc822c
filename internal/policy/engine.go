package policy

import (
	"fmt"
	"sort"

	"acms/internal/logging"
	"acms/internal/store"
	"acms/internal/types"
)

// Engine evaluates compliance and consent policy against the store.
type Engine struct {
	store *store.LocalStore
}

// NewEngine creates a policy engine bound to the store.
func NewEngine(st *store.LocalStore) *Engine {
	return &Engine{store: st}
}

// =============================================================================
// COMPLIANCE FILTER
// =============================================================================

// highRiskKinds are the PII kinds that require consent to surface in a
// retrieval context at all.
var highRiskKinds = []string{KindSSN, KindCreditCard}

// FilterCandidates applies the compliance-mode topic constraint and the PII
// retrieval gate to a candidate set. The filtering decision is audit-logged
// with original and surviving counts whenever anything is dropped or
// compliance mode is on.
func (e *Engine) FilterCandidates(items []*store.DecryptedItem, userID, topic string, complianceMode bool) []*store.DecryptedItem {
	original := len(items)
	out := make([]*store.DecryptedItem, 0, len(items))

	for _, item := range items {
		if complianceMode && topic != "" && item.Topic != topic {
			continue
		}
		if !e.piiPermitted(item) {
			continue
		}
		out = append(out, item)
	}

	if complianceMode || len(out) != original {
		_ = e.store.AppendAudit(types.AuditEvent{
			UserID: userID,
			Action: types.AuditPolicyFilter,
			Metadata: map[string]any{
				"topic":           topic,
				"compliance_mode": complianceMode,
				"original":        original,
				"filtered":        len(out),
			},
		})
		logging.Get(logging.CategoryPolicy).Debugw("candidates filtered",
			"user", userID, "original", original, "filtered", len(out))
	}
	return out
}

// piiPermitted reports whether an item's PII flags allow it to surface in a
// retrieval context. High-risk kinds require recorded consent for the item's
// topic; low-risk kinds pass.
func (e *Engine) piiPermitted(item *store.DecryptedItem) bool {
	for _, kind := range highRiskKinds {
		if item.PIIFlags[kind] == 0 {
			continue
		}
		ok, err := e.store.HasConsent(item.UserID, item.Topic, kind)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// =============================================================================
// PROMOTION GATING
// =============================================================================

// CheckPromotion gates a promotion into long-term memory. An item carrying
// any PII flag needs recorded consent for every flagged kind under its
// topic; missing consent denies the promotion with ConsentRequiredError and
// writes an audit event.
func (e *Engine) CheckPromotion(item *types.MemoryItem, to types.Tier) error {
	if to != types.TierLong || len(item.PIIFlags) == 0 {
		return nil
	}

	var missing []string
	for kind, count := range item.PIIFlags {
		if count == 0 {
			continue
		}
		ok, err := e.store.HasConsent(item.UserID, item.Topic, kind)
		if err != nil {
			return fmt.Errorf("failed to check consent: %w", err)
		}
		if !ok {
			missing = append(missing, kind)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)

	_ = e.store.AppendAudit(types.AuditEvent{
		UserID:     item.UserID,
		Action:     types.AuditTransition,
		ResourceID: item.ID,
		Metadata: map[string]any{
			"denied": "pii_consent_required",
			"kinds":  missing,
		},
	})
	return &types.ConsentRequiredError{
		UserID: item.UserID,
		Topic:  item.Topic,
		Kinds:  missing,
	}
}
