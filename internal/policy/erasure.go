package policy

import (
	"fmt"
	"time"

	"acms/internal/logging"
	"acms/internal/types"
)

// =============================================================================
// ERASURE
// =============================================================================

// Erase irreversibly removes a user's items, optionally limited to one topic:
// matching records are removed, the affected topic keys are destroyed in the
// key backend, and a deletion event is written. The audit event records only
// counts, never content or removed item ids.
func (e *Engine) Erase(userID, topic string) (int, error) {
	timer := logging.StartTimer(logging.CategoryPolicy, "Erase")
	defer timer.Stop()

	if topic != "" && !types.ValidTopic(topic) {
		return 0, fmt.Errorf("%w: invalid topic %q", types.ErrValidation, topic)
	}

	ids, topics, err := e.store.EraseUserScope(userID, topic)
	if err != nil {
		return 0, fmt.Errorf("failed to erase items: %w", err)
	}

	// Crypto-erasure: destroying the user's topic keys makes any surviving
	// copy of the ciphertext unreadable. Key destruction is scoped to the
	// erasing user, matching the row deletion above.
	keys := e.store.Keys()
	for _, t := range topics {
		if err := keys.DestroyTopicKeys(userID, t); err != nil {
			logging.Get(logging.CategoryPolicy).Errorw("failed to destroy topic keys",
				"user", userID, "topic", t, "error", err)
		}
	}

	if err := e.store.AppendAudit(types.AuditEvent{
		UserID: userID,
		Action: types.AuditDelete,
		Metadata: map[string]any{
			"topic":          topic,
			"items_removed":  len(ids),
			"keys_destroyed": len(topics),
		},
	}); err != nil {
		return len(ids), err
	}

	logging.Get(logging.CategoryPolicy).Infow("erasure complete",
		"user", userID, "topic", topic, "items", len(ids))
	return len(ids), nil
}

// DestroyUser erases everything a user owns and removes the user record.
// Aggregate event logs survive; they reference the user by opaque id only.
func (e *Engine) DestroyUser(userID string) error {
	if _, err := e.Erase(userID, ""); err != nil {
		return err
	}
	return e.store.DeleteUser(userID)
}

// PurgeExpiredArchives erases archived items whose retention window has
// passed. Cutoffs come per tier from the caller; the scheduler drives this
// daily.
func (e *Engine) PurgeExpiredArchives(userID string, cutoffs map[types.Tier]time.Time) (int, error) {
	purged := 0
	for tier, cutoff := range cutoffs {
		ids, err := e.store.ArchivedBefore(userID, tier, cutoff)
		if err != nil {
			return purged, err
		}
		if len(ids) == 0 {
			continue
		}
		if err := e.store.EraseItems(userID, ids); err != nil {
			return purged, err
		}
		purged += len(ids)
	}
	if purged > 0 {
		_ = e.store.AppendAudit(types.AuditEvent{
			UserID:   userID,
			Action:   types.AuditDelete,
			Metadata: map[string]any{"job": "archive_purge", "items_purged": purged},
		})
	}
	return purged, nil
}
