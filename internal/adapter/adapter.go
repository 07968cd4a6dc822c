// Package adapter is the boundary between the external request surface and
// the core: typed operations, input validation, per-user rate limits,
// credential handling, and the mapping from internal errors to the stable
// wire taxonomy. It contains no business logic.
package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"acms/internal/config"
	"acms/internal/crs"
	"acms/internal/embedding"
	"acms/internal/logging"
	"acms/internal/outcome"
	"acms/internal/policy"
	"acms/internal/rehydrate"
	"acms/internal/store"
	"acms/internal/types"
)

// Input size limits.
const (
	maxContentChars = 50_000
	maxQueryChars   = 10_000
	minTokenBudget  = 100
	maxTokenBudget  = 5_000
	maxListLimit    = 200
)

// Adapter exposes the typed operation surface.
type Adapter struct {
	store      *store.LocalStore
	embedder   embedding.Engine
	crs        *crs.Engine
	policy     *policy.Engine
	rehydrator *rehydrate.Rehydrator
	outcomes   *outcome.Logger
	limits     *rateLimiter
	cfg        *config.Config

	deletionsMu sync.Mutex
	deletions   map[string]*DeletionStatus
}

// New wires the adapter over the core subsystems.
func New(st *store.LocalStore, embedder embedding.Engine, crsEngine *crs.Engine, pol *policy.Engine, reh *rehydrate.Rehydrator, out *outcome.Logger, cfg *config.Config) *Adapter {
	return &Adapter{
		store:      st,
		embedder:   embedder,
		crs:        crsEngine,
		policy:     pol,
		rehydrator: reh,
		outcomes:   out,
		limits:     newRateLimiter(cfg.RateLimits),
		cfg:        cfg,
		deletions:  make(map[string]*DeletionStatus),
	}
}

// =============================================================================
// USERS
// =============================================================================

// Registration is the one-time response to register_user. PrivateKey is the
// hex X25519 secret the user needs to open export bundles; it is never
// stored.
type Registration struct {
	UserID     string `json:"user_id"`
	PrivateKey string `json:"private_key"`
}

// RegisterUser creates a user with a hashed credential and a fresh export
// keypair.
func (a *Adapter) RegisterUser(email, credential string) (*Registration, error) {
	if !validEmail(email) {
		return nil, toWire(fmt.Errorf("%w: invalid email", types.ErrValidation))
	}
	if credential == "" {
		return nil, toWire(fmt.Errorf("%w: credential is required", types.ErrValidation))
	}

	hash, err := hashCredential(credential)
	if err != nil {
		return nil, toWire(err)
	}
	pub, priv, err := generateExportKeypair()
	if err != nil {
		return nil, toWire(err)
	}

	user := &types.User{
		ID:             uuid.NewString(),
		Email:          email,
		CredentialHash: hash,
		PublicKey:      pub,
	}
	if err := a.store.CreateUser(user); err != nil {
		return nil, toWire(err)
	}
	return &Registration{UserID: user.ID, PrivateKey: priv}, nil
}

// Principal is the authenticated caller identity.
type Principal struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// Authenticate verifies a credential. Failures are indistinguishable between
// unknown email and wrong credential, and every attempt is audit-logged.
func (a *Adapter) Authenticate(email, credential string) (*Principal, error) {
	user, err := a.store.GetUserByEmail(email)
	if err != nil || !verifyCredential(credential, user.CredentialHash) {
		if user != nil {
			_ = a.store.AppendAudit(types.AuditEvent{
				UserID:   user.ID,
				Action:   types.AuditLogin,
				Metadata: map[string]any{"success": false},
			})
		}
		return nil, toWire(types.ErrUnauthorized)
	}
	_ = a.store.AppendAudit(types.AuditEvent{
		UserID:   user.ID,
		Action:   types.AuditLogin,
		Metadata: map[string]any{"success": true},
	})
	return &Principal{UserID: user.ID, Email: user.Email}, nil
}

// =============================================================================
// MEMORY OPERATIONS
// =============================================================================

// IngestResult is the response to ingest_memory.
type IngestResult struct {
	ItemID string     `json:"item_id"`
	Tier   types.Tier `json:"tier"`
	Score  float64    `json:"score"`
}

// Ingest stores one text artifact: PII scan, encryption, embedding, initial
// score, insert at the short tier.
func (a *Adapter) Ingest(ctx context.Context, userID, topic, text string) (*IngestResult, error) {
	timer := logging.StartTimer(logging.CategoryAdapter, "Ingest")
	defer timer.Stop()

	if err := a.limits.allow(userID, opIngest); err != nil {
		return nil, toWire(err)
	}
	if !types.ValidTopic(topic) {
		return nil, toWire(fmt.Errorf("%w: invalid topic %q", types.ErrValidation, topic))
	}
	if len(text) < 1 || len(text) > maxContentChars {
		return nil, toWire(fmt.Errorf("%w: text length %d out of [1,%d]",
			types.ErrValidation, len(text), maxContentChars))
	}

	scan := policy.Scan(text)

	embedCtx, cancel := context.WithTimeout(ctx, a.cfg.GetEmbeddingTimeout())
	defer cancel()
	vec, err := a.embedder.Embed(embedCtx, text)
	if err != nil {
		return nil, toWire(err)
	}

	keys := a.store.Keys()
	content, keyID, err := keys.Encrypt([]byte(text), userID, topic)
	if err != nil {
		return nil, toWire(err)
	}
	vector, _, err := keys.Encrypt(store.EncodeVector(vec), userID, topic)
	if err != nil {
		return nil, toWire(err)
	}

	now := time.Now().UTC()
	item := &types.MemoryItem{
		ID:            uuid.NewString(),
		UserID:        userID,
		Topic:         topic,
		Content:       content,
		Vector:        vector,
		Tier:          types.TierShort,
		CreatedAt:     now,
		LastUsed:      now,
		KeyID:         keyID,
		Version:       1,
		SchemaVersion: types.SchemaVersion,
		EmbedderName:  a.embedder.Name(),
	}
	if len(scan.Flags) > 0 {
		item.PIIFlags = scan.Flags
	}

	profile, err := a.store.GetProfile(userID)
	if err != nil {
		return nil, toWire(err)
	}
	item.Score = a.crs.InitialScore(&store.DecryptedItem{
		MemoryItem: *item, Text: text, Vec: vec,
	}, profile)

	if _, err := a.store.Insert(item); err != nil {
		return nil, toWire(err)
	}
	_ = a.store.AppendAudit(types.AuditEvent{
		UserID:     userID,
		Action:     types.AuditWrite,
		ResourceID: item.ID,
		Metadata:   map[string]any{"topic": topic, "pii_risk": scan.Risk},
	})
	a.rehydrator.InvalidateUser(userID)

	return &IngestResult{ItemID: item.ID, Tier: item.Tier, Score: item.Score}, nil
}

// MemoryRecord is the decrypted item shape returned across the boundary.
type MemoryRecord struct {
	ID          string         `json:"id"`
	Topic       string         `json:"topic"`
	Text        string         `json:"text,omitempty"`
	Tier        types.Tier     `json:"tier"`
	Score       float64        `json:"score"`
	CreatedAt   time.Time      `json:"created_at"`
	LastUsed    time.Time      `json:"last_used"`
	AccessCount int            `json:"access_count"`
	PIIFlags    map[string]int `json:"pii_flags,omitempty"`
	Pinned      bool           `json:"pinned"`
	Archived    bool           `json:"archived"`
	SourceItems []string       `json:"source_items,omitempty"`
}

func recordFrom(item *store.DecryptedItem) *MemoryRecord {
	return &MemoryRecord{
		ID:          item.ID,
		Topic:       item.Topic,
		Text:        item.Text,
		Tier:        item.Tier,
		Score:       item.Score,
		CreatedAt:   item.CreatedAt,
		LastUsed:    item.LastUsed,
		AccessCount: item.AccessCount,
		PIIFlags:    item.PIIFlags,
		Pinned:      item.Pinned,
		Archived:    item.Archived,
		SourceItems: item.SourceItems,
	}
}

// GetMemory fetches one decrypted item.
func (a *Adapter) GetMemory(userID, itemID string) (*MemoryRecord, error) {
	item, err := a.store.Get(itemID, userID)
	if err != nil {
		return nil, toWire(err)
	}
	_ = a.store.AppendAudit(types.AuditEvent{
		UserID:     userID,
		Action:     types.AuditRead,
		ResourceID: itemID,
	})
	return recordFrom(item), nil
}

// MemoryPage is one page of list_memories. Records carry metadata only;
// text stays encrypted at rest for listings.
type MemoryPage struct {
	Items []*MemoryRecord `json:"items"`
	Total int             `json:"total"`
}

// ListMemories returns an ordered metadata page.
func (a *Adapter) ListMemories(userID, topic string, tier types.Tier, offset, limit int) (*MemoryPage, error) {
	if topic != "" && !types.ValidTopic(topic) {
		return nil, toWire(fmt.Errorf("%w: invalid topic %q", types.ErrValidation, topic))
	}
	if tier != "" && !tier.Valid() {
		return nil, toWire(fmt.Errorf("%w: invalid tier %q", types.ErrValidation, tier))
	}
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	page, err := a.store.List(userID, store.ListFilter{Topic: topic, Tier: tier}, offset, limit)
	if err != nil {
		return nil, toWire(err)
	}
	out := &MemoryPage{Total: page.Total, Items: make([]*MemoryRecord, 0, len(page.Items))}
	for _, item := range page.Items {
		out.Items = append(out.Items, &MemoryRecord{
			ID:          item.ID,
			Topic:       item.Topic,
			Tier:        item.Tier,
			Score:       item.Score,
			CreatedAt:   item.CreatedAt,
			LastUsed:    item.LastUsed,
			AccessCount: item.AccessCount,
			PIIFlags:    item.PIIFlags,
			Pinned:      item.Pinned,
			Archived:    item.Archived,
			SourceItems: item.SourceItems,
		})
	}
	return out, nil
}

// EditMemory replaces an item's text. New PII findings merge into the
// existing flags; flags never shrink on edit. The rewrite lands under the
// topic's current key version.
func (a *Adapter) EditMemory(ctx context.Context, userID, itemID, newText string) (*MemoryRecord, error) {
	if len(newText) < 1 || len(newText) > maxContentChars {
		return nil, toWire(fmt.Errorf("%w: text length %d out of [1,%d]",
			types.ErrValidation, len(newText), maxContentChars))
	}

	current, err := a.store.Get(itemID, userID)
	if err != nil {
		return nil, toWire(err)
	}

	embedCtx, cancel := context.WithTimeout(ctx, a.cfg.GetEmbeddingTimeout())
	defer cancel()
	vec, err := a.embedder.Embed(embedCtx, newText)
	if err != nil {
		return nil, toWire(err)
	}

	keys := a.store.Keys()
	content, keyID, err := keys.Encrypt([]byte(newText), userID, current.Topic)
	if err != nil {
		return nil, toWire(err)
	}
	vector, _, err := keys.Encrypt(store.EncodeVector(vec), userID, current.Topic)
	if err != nil {
		return nil, toWire(err)
	}

	if err := a.store.ReplaceContent(itemID, userID, content, vector, keyID, a.embedder.Name(), current.Version); err != nil {
		return nil, toWire(err)
	}

	scan := policy.Scan(newText)
	if len(scan.Flags) > 0 {
		merged := make(map[string]int, len(current.PIIFlags)+len(scan.Flags))
		for k, v := range current.PIIFlags {
			merged[k] = v
		}
		for k, v := range scan.Flags {
			if v > merged[k] {
				merged[k] = v
			}
		}
		if err := a.store.UpdatePIIFlags(itemID, userID, merged); err != nil {
			return nil, toWire(err)
		}
	}

	a.rehydrator.InvalidateUser(userID)
	updated, err := a.store.Get(itemID, userID)
	if err != nil {
		return nil, toWire(err)
	}
	return recordFrom(updated), nil
}

// PinMemory flags or unflags an item as exempt from demotion.
func (a *Adapter) PinMemory(userID, itemID string, pinned bool) (*MemoryRecord, error) {
	if err := a.store.SetPinned(itemID, userID, pinned); err != nil {
		return nil, toWire(err)
	}
	a.rehydrator.InvalidateUser(userID)
	item, err := a.store.Get(itemID, userID)
	if err != nil {
		return nil, toWire(err)
	}
	return recordFrom(item), nil
}

// DeleteMemory erases a single item.
func (a *Adapter) DeleteMemory(userID, itemID string) error {
	if _, err := a.store.Get(itemID, userID); err != nil {
		return toWire(err)
	}
	if err := a.store.EraseItems(userID, []string{itemID}); err != nil {
		return toWire(err)
	}
	_ = a.store.AppendAudit(types.AuditEvent{
		UserID: userID,
		Action: types.AuditDelete,
		Metadata: map[string]any{
			"items_removed": 1,
		},
	})
	a.rehydrator.InvalidateUser(userID)
	return nil
}

// =============================================================================
// QUERY AND OUTCOMES
// =============================================================================

// Query runs the rehydration pipeline.
func (a *Adapter) Query(ctx context.Context, userID, query, topic, intent string, tokenBudget int, complianceMode bool) (*rehydrate.ContextBundle, error) {
	if err := a.limits.allow(userID, opQuery); err != nil {
		return nil, toWire(err)
	}
	if len(query) < 1 || len(query) > maxQueryChars {
		return nil, toWire(fmt.Errorf("%w: query length %d out of [1,%d]",
			types.ErrValidation, len(query), maxQueryChars))
	}
	if tokenBudget != 0 && (tokenBudget < minTokenBudget || tokenBudget > maxTokenBudget) {
		return nil, toWire(fmt.Errorf("%w: token budget %d out of [%d,%d]",
			types.ErrValidation, tokenBudget, minTokenBudget, maxTokenBudget))
	}

	bundle, err := a.rehydrator.Rehydrate(ctx, rehydrate.Request{
		Query:          query,
		UserID:         userID,
		Topic:          topic,
		Intent:         intent,
		TokenBudget:    tokenBudget,
		ComplianceMode: complianceMode,
	})
	if err != nil {
		return nil, toWire(err)
	}
	return bundle, nil
}

// RecordOutcome records feedback against a prior query.
func (a *Adapter) RecordOutcome(userID string, ev types.OutcomeEvent) error {
	if err := a.outcomes.Record(userID, ev); err != nil {
		return toWire(err)
	}
	return nil
}

// =============================================================================
// EXPORT, ERASURE, CONSENT
// =============================================================================

// ExportMemory builds a sealed export and returns the download handle.
func (a *Adapter) ExportMemory(userID, topic string) (string, error) {
	if err := a.limits.allow(userID, opExport); err != nil {
		return "", toWire(err)
	}
	if topic != "" && !types.ValidTopic(topic) {
		return "", toWire(fmt.Errorf("%w: invalid topic %q", types.ErrValidation, topic))
	}
	handle, err := a.policy.Export(userID, topic, a.cfg.GetExportHandleTTL())
	if err != nil {
		return "", toWire(err)
	}
	return handle, nil
}

// DownloadExport fetches a sealed bundle by handle.
func (a *Adapter) DownloadExport(userID, handleID string) ([]byte, error) {
	handle, err := a.store.GetExport(handleID, userID)
	if err != nil {
		return nil, toWire(err)
	}
	return handle.Bundle, nil
}

// DeletionStatus is the poll target for delete_all_memory.
type DeletionStatus struct {
	Handle       string `json:"handle"`
	Done         bool   `json:"done"`
	ItemsRemoved int    `json:"items_removed"`
	Failed       bool   `json:"failed"`
}

// DeleteAllMemory starts an asynchronous erasure of the user's items,
// optionally limited to one topic, and returns a handle for polling.
func (a *Adapter) DeleteAllMemory(userID, topic string) (string, error) {
	if topic != "" && !types.ValidTopic(topic) {
		return "", toWire(fmt.Errorf("%w: invalid topic %q", types.ErrValidation, topic))
	}

	handle := uuid.NewString()
	status := &DeletionStatus{Handle: handle}
	a.deletionsMu.Lock()
	a.deletions[handle] = status
	a.deletionsMu.Unlock()

	go func() {
		removed, err := a.policy.Erase(userID, topic)
		a.rehydrator.InvalidateUser(userID)
		a.deletionsMu.Lock()
		defer a.deletionsMu.Unlock()
		status.Done = true
		status.ItemsRemoved = removed
		status.Failed = err != nil
	}()
	return handle, nil
}

// DeletionStatusFor polls a deletion handle.
func (a *Adapter) DeletionStatusFor(handle string) (*DeletionStatus, error) {
	a.deletionsMu.Lock()
	defer a.deletionsMu.Unlock()
	status, ok := a.deletions[handle]
	if !ok {
		return nil, toWire(fmt.Errorf("%w: deletion %s", types.ErrNotFound, handle))
	}
	copied := *status
	return &copied, nil
}

// GrantConsent records consent to retain a PII kind under a topic in
// long-term memory.
func (a *Adapter) GrantConsent(userID, topic, kind string) error {
	if !types.ValidTopic(topic) {
		return toWire(fmt.Errorf("%w: invalid topic %q", types.ErrValidation, topic))
	}
	if err := a.store.GrantConsent(userID, topic, kind); err != nil {
		return toWire(err)
	}
	return nil
}

// RevokeConsent removes a consent grant.
func (a *Adapter) RevokeConsent(userID, topic, kind string) error {
	if err := a.store.RevokeConsent(userID, topic, kind); err != nil {
		return toWire(err)
	}
	return nil
}

// validEmail is a light structural check; real verification happens out of
// band.
func validEmail(email string) bool {
	if len(email) < 3 || len(email) > 254 {
		return false
	}
	at := -1
	for i, r := range email {
		if r == '@' {
			if at != -1 {
				return false
			}
			at = i
		}
	}
	return at > 0 && at < len(email)-1
}
