package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"acms/internal/logging"
	"acms/internal/types"
)

// =============================================================================
// AUDIT LOG
// =============================================================================

// AppendAudit writes one audit trail entry. The trail is append-only; there
// is no update or delete path.
func (s *LocalStore) AppendAudit(ev types.AuditEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	meta := "{}"
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal audit metadata: %w", err)
		}
		meta = string(b)
	}
	_, err := s.db.Exec(
		`INSERT INTO audit_log (user_id, action, resource_id, metadata_json, client_ip, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.UserID, string(ev.Action), ev.ResourceID, meta, ev.ClientIP, ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// AuditTrail returns the newest audit entries for a user, most recent first.
func (s *LocalStore) AuditTrail(userID string, limit int) ([]types.AuditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT user_id, action, resource_id, metadata_json, client_ip, timestamp
		 FROM audit_log WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []types.AuditEvent
	for rows.Next() {
		var ev types.AuditEvent
		var action, meta string
		var resource, clientIP sql.NullString
		if err := rows.Scan(&ev.UserID, &action, &resource, &meta, &clientIP, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Action = types.AuditAction(action)
		ev.ResourceID = resource.String
		ev.ClientIP = clientIP.String
		if meta != "" && meta != "{}" {
			_ = json.Unmarshal([]byte(meta), &ev.Metadata)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// =============================================================================
// TIER AND CONSOLIDATION EVENT HISTORY
// =============================================================================

// TierHistory returns the tier transition events for an item, oldest first.
func (s *LocalStore) TierHistory(itemID, userID string) ([]types.TierTransitionEvent, error) {
	rows, err := s.db.Query(
		`SELECT item_id, user_id, from_tier, to_tier, score, reason, timestamp
		 FROM tier_events WHERE item_id = ? AND user_id = ? ORDER BY id ASC`,
		itemID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query tier events: %w", err)
	}
	defer rows.Close()

	var out []types.TierTransitionEvent
	for rows.Next() {
		var ev types.TierTransitionEvent
		var from, to, reason string
		if err := rows.Scan(&ev.ItemID, &ev.UserID, &from, &to, &ev.Score, &reason, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.FromTier = types.Tier(from)
		ev.ToTier = types.Tier(to)
		ev.Reason = types.TransitionReason(reason)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ConsolidationHistory returns a user's consolidation events, newest first.
func (s *LocalStore) ConsolidationHistory(userID string, limit int) ([]types.ConsolidationEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT user_id, source_tier, target_tier, source_count, produced_json, duration_ms, timestamp
		 FROM consolidation_events WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query consolidation events: %w", err)
	}
	defer rows.Close()

	var out []types.ConsolidationEvent
	for rows.Next() {
		var ev types.ConsolidationEvent
		var source, target, produced string
		var durationMs int64
		if err := rows.Scan(&ev.UserID, &source, &target, &ev.SourceCount, &produced, &durationMs, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.SourceTier = types.Tier(source)
		ev.TargetTier = types.Tier(target)
		ev.Duration = time.Duration(durationMs) * time.Millisecond
		_ = json.Unmarshal([]byte(produced), &ev.ProducedIDs)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// =============================================================================
// QUERY LOG AND OUTCOMES
// =============================================================================

// RecordQuery persists the hash-only record linking a query to the items its
// bundle used. Outcome attribution resolves through this record.
func (s *LocalStore) RecordQuery(rec types.QueryLogRecord) error {
	if rec.QueryID == "" || rec.UserID == "" {
		return fmt.Errorf("%w: query id and user id are required", types.ErrValidation)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	items, err := json.Marshal(rec.ItemsUsed)
	if err != nil {
		return fmt.Errorf("failed to marshal items used: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO query_log (query_id, user_id, query_hash, items_json, response_hash, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.QueryID, rec.UserID, rec.QueryHash, string(items), rec.ResponseHash, rec.Timestamp,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: query %s", types.ErrDuplicateID, rec.QueryID)
		}
		return fmt.Errorf("failed to record query: %w", err)
	}
	return nil
}

// GetQuery looks up a query log record by id, scoped to the owning user.
func (s *LocalStore) GetQuery(queryID, userID string) (*types.QueryLogRecord, error) {
	var rec types.QueryLogRecord
	var items string
	var respHash sql.NullString
	err := s.db.QueryRow(
		`SELECT query_id, user_id, query_hash, items_json, response_hash, timestamp
		 FROM query_log WHERE query_id = ? AND user_id = ?`,
		queryID, userID,
	).Scan(&rec.QueryID, &rec.UserID, &rec.QueryHash, &items, &respHash, &rec.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: query %s", types.ErrNotFound, queryID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get query record: %w", err)
	}
	rec.ResponseHash = respHash.String
	_ = json.Unmarshal([]byte(items), &rec.ItemsUsed)
	return &rec, nil
}

// AppendOutcomeEvent stores the raw outcome event for later CRS recomputes.
func (s *LocalStore) AppendOutcomeEvent(userID string, ev types.OutcomeEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome event: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO outcome_events (query_id, user_id, event_json, timestamp)
		 VALUES (?, ?, ?, ?)`,
		ev.QueryID, userID, string(b), ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append outcome event: %w", err)
	}
	return nil
}

// OutcomesForQuery returns all outcome events recorded against a query.
func (s *LocalStore) OutcomesForQuery(queryID string) ([]types.OutcomeEvent, error) {
	rows, err := s.db.Query(
		`SELECT event_json FROM outcome_events WHERE query_id = ? ORDER BY id ASC`,
		queryID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcome events: %w", err)
	}
	defer rows.Close()

	var out []types.OutcomeEvent
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var ev types.OutcomeEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// =============================================================================
// PII CONSENT
// =============================================================================

// GrantConsent records user consent to retain a PII kind under a topic in
// long-term memory. Granting twice is a no-op.
func (s *LocalStore) GrantConsent(userID, topic, kind string) error {
	_, err := s.db.Exec(
		`INSERT INTO pii_consent (user_id, topic, kind, granted_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, topic, kind) DO NOTHING`,
		userID, topic, kind, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to grant consent: %w", err)
	}
	return nil
}

// RevokeConsent removes a prior consent grant.
func (s *LocalStore) RevokeConsent(userID, topic, kind string) error {
	_, err := s.db.Exec(
		`DELETE FROM pii_consent WHERE user_id = ? AND topic = ? AND kind = ?`,
		userID, topic, kind,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke consent: %w", err)
	}
	return nil
}

// HasConsent reports whether the user consented to retaining the PII kind
// under the topic.
func (s *LocalStore) HasConsent(userID, topic, kind string) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM pii_consent WHERE user_id = ? AND topic = ? AND kind = ?`,
		userID, topic, kind,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check consent: %w", err)
	}
	return true, nil
}

// =============================================================================
// USERS
// =============================================================================

// CreateUser registers a new user. Email uniqueness is enforced by the
// schema; a duplicate registration returns ErrDuplicateID.
func (s *LocalStore) CreateUser(u *types.User) error {
	if u.ID == "" || u.Email == "" {
		return fmt.Errorf("%w: user id and email are required", types.ErrValidation)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO users (id, email, credential_hash, public_key, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.CredentialHash, u.PublicKey, u.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: user %s", types.ErrDuplicateID, u.Email)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUser fetches a user by id.
func (s *LocalStore) GetUser(userID string) (*types.User, error) {
	return s.getUserWhere("id = ?", userID)
}

// GetUserByEmail fetches a user by email address.
func (s *LocalStore) GetUserByEmail(email string) (*types.User, error) {
	return s.getUserWhere("email = ?", email)
}

func (s *LocalStore) getUserWhere(where string, arg any) (*types.User, error) {
	var u types.User
	err := s.db.QueryRow(
		`SELECT id, email, credential_hash, public_key, created_at FROM users WHERE `+where,
		arg,
	).Scan(&u.ID, &u.Email, &u.CredentialHash, &u.PublicKey, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user", types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// DeleteUser removes the user row. Item erasure is the policy engine's job
// and must happen before this call.
func (s *LocalStore) DeleteUser(userID string) error {
	_, err := s.db.Exec(`DELETE FROM users WHERE id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	_, _ = s.db.Exec(`DELETE FROM profiles WHERE user_id = ?`, userID)
	return nil
}

// =============================================================================
// USER PROFILES
// =============================================================================

// GetProfile loads a user's profile. A missing profile comes back initialized
// with default CRS parameters rather than as an error.
func (s *LocalStore) GetProfile(userID string) (*types.UserProfile, error) {
	var centroids, counts, crs string
	var updatedAt time.Time
	err := s.db.QueryRow(
		`SELECT centroids_json, counts_json, crs_json, updated_at FROM profiles WHERE user_id = ?`,
		userID,
	).Scan(&centroids, &counts, &crs, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &types.UserProfile{
			UserID:      userID,
			Centroids:   make(map[string][]float32),
			TopicCounts: make(map[string]int),
			CRS:         types.DefaultCRSConfig(),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	p := &types.UserProfile{UserID: userID, UpdatedAt: updatedAt}
	if err := json.Unmarshal([]byte(centroids), &p.Centroids); err != nil {
		p.Centroids = make(map[string][]float32)
	}
	if err := json.Unmarshal([]byte(counts), &p.TopicCounts); err != nil {
		p.TopicCounts = make(map[string]int)
	}
	if err := json.Unmarshal([]byte(crs), &p.CRS); err != nil || p.CRS.DecayLambdaPerDay == 0 {
		p.CRS = types.DefaultCRSConfig()
	}
	return p, nil
}

// SaveProfile upserts a user's profile.
func (s *LocalStore) SaveProfile(p *types.UserProfile) error {
	if p.UserID == "" {
		return fmt.Errorf("%w: profile user id is required", types.ErrValidation)
	}
	centroids, err := json.Marshal(p.Centroids)
	if err != nil {
		return fmt.Errorf("failed to marshal centroids: %w", err)
	}
	counts, err := json.Marshal(p.TopicCounts)
	if err != nil {
		return fmt.Errorf("failed to marshal topic counts: %w", err)
	}
	crs, err := json.Marshal(p.CRS)
	if err != nil {
		return fmt.Errorf("failed to marshal crs config: %w", err)
	}
	p.UpdatedAt = time.Now().UTC()
	_, err = s.db.Exec(
		`INSERT INTO profiles (user_id, centroids_json, counts_json, crs_json, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   centroids_json = excluded.centroids_json,
		   counts_json = excluded.counts_json,
		   crs_json = excluded.crs_json,
		   updated_at = excluded.updated_at`,
		p.UserID, string(centroids), string(counts), string(crs), p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

// =============================================================================
// EXPORT HANDLES
// =============================================================================

// ExportHandle is a time-limited reference to a sealed export bundle.
type ExportHandle struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Topic     string    `json:"topic,omitempty"`
	Bundle    []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SaveExport stores a sealed export bundle under a handle.
func (s *LocalStore) SaveExport(h *ExportHandle) error {
	if h.ID == "" || h.UserID == "" || len(h.Bundle) == 0 {
		return fmt.Errorf("%w: export handle requires id, user, and bundle", types.ErrValidation)
	}
	_, err := s.db.Exec(
		`INSERT INTO export_handles (id, user_id, topic, bundle, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		h.ID, h.UserID, h.Topic, h.Bundle, h.CreatedAt, h.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save export: %w", err)
	}
	return nil
}

// GetExport fetches a sealed export bundle. Expired handles come back as
// ErrNotFound.
func (s *LocalStore) GetExport(handleID, userID string) (*ExportHandle, error) {
	var h ExportHandle
	var topic sql.NullString
	err := s.db.QueryRow(
		`SELECT id, user_id, topic, bundle, created_at, expires_at
		 FROM export_handles WHERE id = ? AND user_id = ?`,
		handleID, userID,
	).Scan(&h.ID, &h.UserID, &topic, &h.Bundle, &h.CreatedAt, &h.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: export %s", types.ErrNotFound, handleID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get export: %w", err)
	}
	h.Topic = topic.String
	if time.Now().After(h.ExpiresAt) {
		return nil, fmt.Errorf("%w: export %s expired", types.ErrNotFound, handleID)
	}
	return &h, nil
}

// PurgeExpiredExports deletes expired export bundles and returns the count.
func (s *LocalStore) PurgeExpiredExports() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM export_handles WHERE expires_at < ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge exports: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Get(logging.CategoryStore).Infow("purged expired exports", "count", n)
	}
	return n, nil
}
