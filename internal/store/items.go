package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"acms/internal/logging"
	"acms/internal/types"
)

// DecryptedItem is a memory item with its plaintext surfaced after a
// decrypt-on-read. Similarity is populated only by vector search.
type DecryptedItem struct {
	types.MemoryItem
	Text       string
	Vec        []float32
	Similarity float64
}

const itemColumns = `id, user_id, topic, content, vector, tier, score,
	created_at, last_used, access_count, pii_json, outcome_json, archived,
	archived_at, source_json, key_id, pinned, quarantined, version,
	schema_version, embedder`

// =============================================================================
// INSERT / GET / LIST
// =============================================================================

// Insert stores a new item. Content and vector must already be encrypted and
// the schema version must match the current one.
func (s *LocalStore) Insert(item *types.MemoryItem) (string, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Insert")
	defer timer.Stop()

	if item.SchemaVersion != types.SchemaVersion {
		return "", fmt.Errorf("%w: item schema %d, current %d",
			types.ErrSchemaMismatch, item.SchemaVersion, types.SchemaVersion)
	}
	if err := item.Validate(); err != nil {
		return "", err
	}

	lock := s.userLock(item.UserID)
	lock.Lock()
	defer lock.Unlock()

	piiJSON, _ := json.Marshal(item.PIIFlags)
	outcomeJSON, _ := json.Marshal(item.OutcomeLog)
	sourceJSON, _ := json.Marshal(item.SourceItems)

	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO memory_items (`+itemColumns+`, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.UserID, item.Topic, item.Content, item.Vector,
		string(item.Tier), item.Score, item.CreatedAt.UTC(), item.LastUsed.UTC(),
		item.AccessCount, string(piiJSON), string(outcomeJSON),
		boolToInt(item.Archived), nullableTime(item.ArchivedAt),
		string(sourceJSON), item.KeyID, boolToInt(item.Pinned),
		boolToInt(item.Quarantined), item.Version, item.SchemaVersion,
		item.EmbedderName, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("%w: %s", types.ErrDuplicateID, item.ID)
		}
		return "", fmt.Errorf("failed to insert item: %w", err)
	}

	s.markIndexDirty(item.UserID)
	return item.ID, nil
}

// Get fetches and decrypts a single item. Returns types.ErrNotFound when the
// item does not exist in the user's scope. An AEAD tag mismatch quarantines
// the item and surfaces types.ErrIntegrityFailure.
func (s *LocalStore) Get(itemID, userID string) (*DecryptedItem, error) {
	row := s.db.QueryRow(
		`SELECT `+itemColumns+` FROM memory_items WHERE id = ? AND user_id = ?`,
		itemID, userID,
	)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: item %s", types.ErrNotFound, itemID)
		}
		return nil, err
	}
	if item.Quarantined {
		return nil, fmt.Errorf("%w: item %s quarantined", types.ErrIntegrityFailure, itemID)
	}
	return s.decryptItem(item)
}

// decryptItem opens the content and vector envelopes.
func (s *LocalStore) decryptItem(item *types.MemoryItem) (*DecryptedItem, error) {
	text, err := s.keys.Decrypt(item.Content, item.KeyID)
	if err != nil {
		if errors.Is(err, types.ErrIntegrityFailure) {
			s.quarantine(item.ID, item.UserID)
		}
		return nil, err
	}
	vecBytes, err := s.keys.Decrypt(item.Vector, item.KeyID)
	if err != nil {
		if errors.Is(err, types.ErrIntegrityFailure) {
			s.quarantine(item.ID, item.UserID)
		}
		return nil, err
	}
	vec, err := DecodeVector(vecBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrIntegrityFailure, err)
	}
	return &DecryptedItem{MemoryItem: *item, Text: string(text), Vec: vec}, nil
}

// quarantine marks an item unreadable and emits an audit event. Quarantined
// items are excluded from retrieval until erased.
func (s *LocalStore) quarantine(itemID, userID string) {
	_, err := s.db.Exec(
		`UPDATE memory_items SET quarantined = 1, updated_at = ? WHERE id = ? AND user_id = ?`,
		time.Now().UTC(), itemID, userID,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Errorw("failed to quarantine item", "item", itemID, "error", err)
		return
	}
	_ = s.AppendAudit(types.AuditEvent{
		UserID:     userID,
		Action:     types.AuditPolicyFilter,
		ResourceID: itemID,
		Metadata:   map[string]any{"quarantined": true, "cause": "integrity_failure"},
		Timestamp:  time.Now().UTC(),
	})
	s.markIndexDirty(userID)
}

// ListPage is one page of a metadata listing.
type ListPage struct {
	Items []*types.MemoryItem
	Total int
}

// ListFilter narrows List results. Zero values mean "no constraint".
type ListFilter struct {
	Topic    string
	Tier     types.Tier
	Archived bool
	// OrderByLastUsed orders by last_used desc instead of score desc.
	OrderByLastUsed bool
}

// List returns a page of item metadata (still encrypted) for a user.
func (s *LocalStore) List(userID string, f ListFilter, offset, limit int) (*ListPage, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}

	where := "user_id = ? AND archived = ? AND quarantined = 0"
	args := []interface{}{userID, boolToInt(f.Archived)}
	if f.Topic != "" {
		where += " AND topic = ?"
		args = append(args, f.Topic)
	}
	if f.Tier != "" {
		where += " AND tier = ?"
		args = append(args, string(f.Tier))
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM memory_items WHERE "+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count items: %w", err)
	}

	order := "score DESC"
	if f.OrderByLastUsed {
		order = "last_used DESC"
	}
	rows, err := s.db.Query(
		"SELECT "+itemColumns+" FROM memory_items WHERE "+where+
			" ORDER BY "+order+", id ASC LIMIT ? OFFSET ?",
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	page := &ListPage{Total: total}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			continue
		}
		page.Items = append(page.Items, item)
	}
	return page, rows.Err()
}

// =============================================================================
// MUTATIONS
// =============================================================================

// UpdateScore sets an item's retention score with an optimistic version
// check.
func (s *LocalStore) UpdateScore(itemID, userID string, score float64, expectVersion int64) error {
	if score < 0 || score > 1 {
		return fmt.Errorf("%w: score %f out of [0,1]", types.ErrValidation, score)
	}
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	res, err := s.db.Exec(
		`UPDATE memory_items SET score = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND user_id = ? AND version = ?`,
		score, time.Now().UTC(), itemID, userID, expectVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update score: %w", err)
	}
	return s.checkUpdated(res, itemID, userID)
}

// TransitionTier moves an item between tiers and atomically writes the
// tier-transition event.
func (s *LocalStore) TransitionTier(itemID, userID string, to types.Tier, reason types.TransitionReason) error {
	if !to.Valid() {
		return fmt.Errorf("%w: invalid tier %q", types.ErrValidation, to)
	}
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var from string
	var score float64
	err = tx.QueryRow(
		`SELECT tier, score FROM memory_items WHERE id = ? AND user_id = ?`,
		itemID, userID,
	).Scan(&from, &score)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: item %s", types.ErrNotFound, itemID)
		}
		return err
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(
		`UPDATE memory_items SET tier = ?, version = version + 1, updated_at = ? WHERE id = ? AND user_id = ?`,
		string(to), now, itemID, userID,
	); err != nil {
		return fmt.Errorf("failed to transition tier: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO tier_events (item_id, user_id, from_tier, to_tier, score, reason, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		itemID, userID, from, string(to), score, string(reason), now,
	); err != nil {
		return fmt.Errorf("failed to record tier event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tier transition: %w", err)
	}

	s.markIndexDirty(userID)
	return nil
}

// RecordAccess bumps access count and last-used for the given items. Used by
// the rehydration pipeline after a bundle is returned.
func (s *LocalStore) RecordAccess(userID string, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	for _, id := range itemIDs {
		if _, err := s.db.Exec(
			`UPDATE memory_items
			 SET access_count = access_count + 1, last_used = ?, version = version + 1, updated_at = ?
			 WHERE id = ? AND user_id = ?`,
			now, now, id, userID,
		); err != nil {
			return fmt.Errorf("failed to record access for %s: %w", id, err)
		}
	}
	return nil
}

// SetPinned flags or unflags an item as exempt from demotion.
func (s *LocalStore) SetPinned(itemID, userID string, pinned bool) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	res, err := s.db.Exec(
		`UPDATE memory_items SET pinned = ?, version = version + 1, updated_at = ? WHERE id = ? AND user_id = ?`,
		boolToInt(pinned), time.Now().UTC(), itemID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to set pinned: %w", err)
	}
	return s.checkUpdated(res, itemID, userID)
}

// ReplaceContent swaps an item's encrypted content and vector, re-keying it
// to the supplied key id. This is the lazy re-encryption path: edits always
// write under the topic's current key version.
func (s *LocalStore) ReplaceContent(itemID, userID string, content, vector []byte, keyID, embedder string, expectVersion int64) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	res, err := s.db.Exec(
		`UPDATE memory_items
		 SET content = ?, vector = ?, key_id = ?, embedder = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND user_id = ? AND version = ?`,
		content, vector, keyID, embedder, time.Now().UTC(), itemID, userID, expectVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to replace content: %w", err)
	}
	if err := s.checkUpdated(res, itemID, userID); err != nil {
		return err
	}
	s.markIndexDirty(userID)
	return nil
}

// UpdatePIIFlags sets detection flags on an item. Flags only ever grow;
// clearing happens exclusively through erasure.
func (s *LocalStore) UpdatePIIFlags(itemID, userID string, flags map[string]int) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	piiJSON, _ := json.Marshal(flags)
	res, err := s.db.Exec(
		`UPDATE memory_items SET pii_json = ?, version = version + 1, updated_at = ? WHERE id = ? AND user_id = ?`,
		string(piiJSON), time.Now().UTC(), itemID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to update pii flags: %w", err)
	}
	return s.checkUpdated(res, itemID, userID)
}

// AppendItemOutcome appends an outcome event to an item's capped log.
func (s *LocalStore) AppendItemOutcome(itemID, userID string, ev types.OutcomeEvent) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	var outcomeJSON string
	err := s.db.QueryRow(
		`SELECT outcome_json FROM memory_items WHERE id = ? AND user_id = ?`,
		itemID, userID,
	).Scan(&outcomeJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: item %s", types.ErrNotFound, itemID)
		}
		return err
	}

	var log []types.OutcomeEvent
	_ = json.Unmarshal([]byte(outcomeJSON), &log)
	if len(log) >= types.OutcomeLogCap {
		log = log[1:]
	}
	log = append(log, ev)
	updated, _ := json.Marshal(log)

	now := time.Now().UTC()
	_, err = s.db.Exec(
		`UPDATE memory_items SET outcome_json = ?, last_used = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND user_id = ?`,
		string(updated), now, now, itemID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to append outcome: %w", err)
	}
	return nil
}

// =============================================================================
// ARCHIVE / ERASE
// =============================================================================

// Archive soft-deletes items: they become invisible to search but remain for
// the retention window.
func (s *LocalStore) Archive(userID string, itemIDs []string) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	if err := s.archiveTx(s.db, userID, itemIDs); err != nil {
		return err
	}
	s.markIndexDirty(userID)
	return nil
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func (s *LocalStore) archiveTx(db execer, userID string, itemIDs []string) error {
	now := time.Now().UTC()
	for _, id := range itemIDs {
		if _, err := db.Exec(
			`UPDATE memory_items
			 SET archived = 1, archived_at = ?, version = version + 1, updated_at = ?
			 WHERE id = ? AND user_id = ?`,
			now, now, id, userID,
		); err != nil {
			return fmt.Errorf("failed to archive %s: %w", id, err)
		}
	}
	return nil
}

// EraseItems physically removes items. Key destruction is the policy
// engine's responsibility; the store only removes records.
func (s *LocalStore) EraseItems(userID string, itemIDs []string) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	for _, id := range itemIDs {
		if _, err := s.db.Exec(
			`DELETE FROM memory_items WHERE id = ? AND user_id = ?`, id, userID,
		); err != nil {
			return fmt.Errorf("failed to erase %s: %w", id, err)
		}
	}
	s.markIndexDirty(userID)
	return nil
}

// EraseUserScope removes all items for a user, optionally limited to a topic.
// Returns the ids and topics that were removed so the caller can destroy
// keys and audit.
func (s *LocalStore) EraseUserScope(userID, topic string) (ids []string, topics []string, err error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	where := "user_id = ?"
	args := []interface{}{userID}
	if topic != "" {
		where += " AND topic = ?"
		args = append(args, topic)
	}

	rows, err := s.db.Query("SELECT id, topic FROM memory_items WHERE "+where, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to enumerate items: %w", err)
	}
	seen := make(map[string]bool)
	for rows.Next() {
		var id, t string
		if err := rows.Scan(&id, &t); err != nil {
			continue
		}
		ids = append(ids, id)
		if !seen[t] {
			seen[t] = true
			topics = append(topics, t)
		}
	}
	rows.Close()

	if _, err := s.db.Exec("DELETE FROM memory_items WHERE "+where, args...); err != nil {
		return nil, nil, fmt.Errorf("failed to erase items: %w", err)
	}
	s.markIndexDirty(userID)
	return ids, topics, nil
}

// ArchivedBefore lists archived item ids whose archive timestamp is older
// than the cutoff, grouped for the purge job.
func (s *LocalStore) ArchivedBefore(userID string, tier types.Tier, cutoff time.Time) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT id FROM memory_items
		 WHERE user_id = ? AND tier = ? AND archived = 1 AND archived_at < ?`,
		userID, string(tier), cutoff.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived items: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AllUserIDs lists users that own at least one item; the scheduler iterates
// over this for per-user jobs.
func (s *LocalStore) AllUserIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT user_id FROM memory_items`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =============================================================================
// SCAN HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*types.MemoryItem, error) {
	var item types.MemoryItem
	var tier, piiJSON, outcomeJSON, sourceJSON string
	var archived, pinned, quarantined int
	var archivedAt sql.NullTime

	err := row.Scan(
		&item.ID, &item.UserID, &item.Topic, &item.Content, &item.Vector,
		&tier, &item.Score, &item.CreatedAt, &item.LastUsed, &item.AccessCount,
		&piiJSON, &outcomeJSON, &archived, &archivedAt, &sourceJSON,
		&item.KeyID, &pinned, &quarantined, &item.Version,
		&item.SchemaVersion, &item.EmbedderName,
	)
	if err != nil {
		return nil, err
	}

	item.Tier = types.Tier(tier)
	item.Archived = archived != 0
	item.Pinned = pinned != 0
	item.Quarantined = quarantined != 0
	if archivedAt.Valid {
		item.ArchivedAt = archivedAt.Time
	}
	_ = json.Unmarshal([]byte(piiJSON), &item.PIIFlags)
	_ = json.Unmarshal([]byte(outcomeJSON), &item.OutcomeLog)
	_ = json.Unmarshal([]byte(sourceJSON), &item.SourceItems)
	return &item, nil
}

func (s *LocalStore) checkUpdated(res sql.Result, itemID, userID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing item from a stale version stamp.
		var exists int
		if err := s.db.QueryRow(
			`SELECT COUNT(*) FROM memory_items WHERE id = ? AND user_id = ?`,
			itemID, userID,
		).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("%w: item %s", types.ErrNotFound, itemID)
		}
		return fmt.Errorf("%w: item %s", types.ErrVersionConflict, itemID)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
