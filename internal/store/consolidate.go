package store

import (
	"encoding/json"
	"fmt"
	"time"

	"acms/internal/logging"
	"acms/internal/types"
)

// ConsolidationResult is the output of one consolidation pass, applied in a
// single transaction by CommitConsolidation.
type ConsolidationResult struct {
	UserID     string
	SourceTier types.Tier
	TargetTier types.Tier
	// Produced items replace the sources. Each carries SourceItems listing
	// the archived originals.
	Produced []*types.MemoryItem
	// ArchiveIDs are the source items to archive. Singleton groups promote
	// in place and do not appear here.
	ArchiveIDs []string
	// PromoteInPlace are singleton items that move tier without rewriting.
	PromoteInPlace []string
	Duration       time.Duration
}

// CommitConsolidation applies a consolidation result atomically: produced
// items are inserted, sources archived, in-place promotions transitioned,
// and the consolidation event recorded. On any failure nothing is applied,
// so the pass can be retried without duplicating summaries.
func (s *LocalStore) CommitConsolidation(res *ConsolidationResult) error {
	timer := logging.StartTimer(logging.CategoryStore, "CommitConsolidation")
	defer timer.Stop()

	if len(res.Produced) == 0 && len(res.PromoteInPlace) == 0 {
		return nil
	}

	lock := s.userLock(res.UserID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin consolidation: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	producedIDs := make([]string, 0, len(res.Produced)+len(res.PromoteInPlace))

	for _, item := range res.Produced {
		if err := item.Validate(); err != nil {
			return err
		}
		piiJSON, _ := json.Marshal(item.PIIFlags)
		outcomeJSON, _ := json.Marshal(item.OutcomeLog)
		sourceJSON, _ := json.Marshal(item.SourceItems)
		if _, err := tx.Exec(
			`INSERT INTO memory_items (`+itemColumns+`, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, item.UserID, item.Topic, item.Content, item.Vector,
			string(item.Tier), item.Score, item.CreatedAt.UTC(), item.LastUsed.UTC(),
			item.AccessCount, string(piiJSON), string(outcomeJSON),
			boolToInt(item.Archived), nullableTime(item.ArchivedAt),
			string(sourceJSON), item.KeyID, boolToInt(item.Pinned),
			boolToInt(item.Quarantined), item.Version, item.SchemaVersion,
			item.EmbedderName, now,
		); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", types.ErrDuplicateID, item.ID)
			}
			return fmt.Errorf("failed to insert consolidated item: %w", err)
		}
		producedIDs = append(producedIDs, item.ID)
	}

	if err := s.archiveTx(tx, res.UserID, res.ArchiveIDs); err != nil {
		return err
	}

	for _, id := range res.PromoteInPlace {
		var from string
		var score float64
		if err := tx.QueryRow(
			`SELECT tier, score FROM memory_items WHERE id = ? AND user_id = ?`,
			id, res.UserID,
		).Scan(&from, &score); err != nil {
			return fmt.Errorf("failed to read item %s for promotion: %w", id, err)
		}
		if _, err := tx.Exec(
			`UPDATE memory_items SET tier = ?, version = version + 1, updated_at = ? WHERE id = ? AND user_id = ?`,
			string(res.TargetTier), now, id, res.UserID,
		); err != nil {
			return fmt.Errorf("failed to promote %s in place: %w", id, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO tier_events (item_id, user_id, from_tier, to_tier, score, reason, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, res.UserID, from, string(res.TargetTier), score,
			string(types.ReasonConsolidated), now,
		); err != nil {
			return fmt.Errorf("failed to record promotion event: %w", err)
		}
		producedIDs = append(producedIDs, id)
	}

	produced, _ := json.Marshal(producedIDs)
	if _, err := tx.Exec(
		`INSERT INTO consolidation_events (user_id, source_tier, target_tier, source_count, produced_json, duration_ms, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		res.UserID, string(res.SourceTier), string(res.TargetTier),
		len(res.ArchiveIDs)+len(res.PromoteInPlace), string(produced),
		res.Duration.Milliseconds(), now,
	); err != nil {
		return fmt.Errorf("failed to record consolidation event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit consolidation: %w", err)
	}

	s.markIndexDirty(res.UserID)
	logging.Get(logging.CategoryStore).Infow("consolidation committed",
		"user", res.UserID,
		"sources", len(res.ArchiveIDs),
		"produced", len(res.Produced),
		"in_place", len(res.PromoteInPlace))
	return nil
}
