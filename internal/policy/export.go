package policy

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/nacl/box"

	"acms/internal/logging"
	"acms/internal/store"
	"acms/internal/types"
)

// =============================================================================
// EXPORT / IMPORT
// =============================================================================

// BundleSchemaVersion identifies the export document layout.
const BundleSchemaVersion = 1

const bundleReadme = "ACMS export bundle. JSON document: metadata " +
	"(id, user_id, generated_at, schema_version), profile (crs configuration, " +
	"centroids omitted), items (plaintext text and vector per item), audit " +
	"trail. The bundle as a whole is sealed to the owning user's X25519 " +
	"public key; item text inside is plaintext."

// ExportedItem is one memory item in plaintext form.
type ExportedItem struct {
	ID          string               `json:"id"`
	Topic       string               `json:"topic"`
	Text        string               `json:"text"`
	Vector      []float32            `json:"vector"`
	Tier        types.Tier           `json:"tier"`
	Score       float64              `json:"score"`
	CreatedAt   time.Time            `json:"created_at"`
	LastUsed    time.Time            `json:"last_used"`
	AccessCount int                  `json:"access_count"`
	PIIFlags    map[string]int       `json:"pii_flags,omitempty"`
	OutcomeLog  []types.OutcomeEvent `json:"outcome_log,omitempty"`
	Archived    bool                 `json:"archived"`
	SourceItems []string             `json:"source_items,omitempty"`
}

// Bundle is the self-describing export document.
type Bundle struct {
	Readme        string             `json:"readme"`
	ID            string             `json:"id"`
	UserID        string             `json:"user_id"`
	GeneratedAt   time.Time          `json:"generated_at"`
	SchemaVersion int                `json:"schema_version"`
	Profile       BundleProfile      `json:"profile"`
	Items         []ExportedItem     `json:"items"`
	AuditTrail    []types.AuditEvent `json:"audit_trail"`
}

// BundleProfile is the exported slice of the user profile.
type BundleProfile struct {
	UserID    string          `json:"user_id"`
	CreatedAt time.Time       `json:"created_at"`
	CRS       types.CRSConfig `json:"crs"`
}

// Export assembles the user's items (archived included, optionally limited
// to one topic) into a bundle, seals it to the user's X25519 public key, and
// stores it under a time-limited handle. Returns the handle id.
func (e *Engine) Export(userID, topic string, handleTTL time.Duration) (string, error) {
	timer := logging.StartTimer(logging.CategoryPolicy, "Export")
	defer timer.Stop()

	user, err := e.store.GetUser(userID)
	if err != nil {
		return "", err
	}
	if len(user.PublicKey) != 32 {
		return "", fmt.Errorf("%w: user has no export public key", types.ErrKeyUnavailable)
	}

	profile, err := e.store.GetProfile(userID)
	if err != nil {
		return "", err
	}

	bundle := Bundle{
		Readme:        bundleReadme,
		ID:            uuid.NewString(),
		UserID:        userID,
		GeneratedAt:   time.Now().UTC(),
		SchemaVersion: BundleSchemaVersion,
		Profile: BundleProfile{
			UserID:    userID,
			CreatedAt: user.CreatedAt,
			CRS:       profile.CRS,
		},
	}

	if bundle.Items, err = e.exportItems(userID, topic); err != nil {
		return "", err
	}
	if bundle.AuditTrail, err = e.store.AuditTrail(userID, 500); err != nil {
		return "", err
	}

	plaintext, err := json.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("failed to marshal bundle: %w", err)
	}

	var pub [32]byte
	copy(pub[:], user.PublicKey)
	sealed, err := box.SealAnonymous(nil, plaintext, &pub, rand.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to seal bundle: %w", err)
	}

	now := time.Now().UTC()
	handle := &store.ExportHandle{
		ID:        uuid.NewString(),
		UserID:    userID,
		Topic:     topic,
		Bundle:    sealed,
		CreatedAt: now,
		ExpiresAt: now.Add(handleTTL),
	}
	if err := e.store.SaveExport(handle); err != nil {
		return "", err
	}

	_ = e.store.AppendAudit(types.AuditEvent{
		UserID:     userID,
		Action:     types.AuditExport,
		ResourceID: handle.ID,
		Metadata:   map[string]any{"topic": topic, "items": len(bundle.Items)},
	})
	return handle.ID, nil
}

// exportItems decrypts every item in scope, archived included.
func (e *Engine) exportItems(userID, topic string) ([]ExportedItem, error) {
	var out []ExportedItem
	for _, archived := range []bool{false, true} {
		const pageSize = 200
		for offset := 0; ; offset += pageSize {
			page, err := e.store.List(userID,
				store.ListFilter{Topic: topic, Archived: archived}, offset, pageSize)
			if err != nil {
				return nil, err
			}
			for _, meta := range page.Items {
				item, err := e.store.Get(meta.ID, userID)
				if err != nil {
					logging.Get(logging.CategoryPolicy).Warnw("skipping unreadable item in export",
						"item", meta.ID, "error", err)
					continue
				}
				out = append(out, ExportedItem{
					ID:          item.ID,
					Topic:       item.Topic,
					Text:        item.Text,
					Vector:      item.Vec,
					Tier:        item.Tier,
					Score:       item.Score,
					CreatedAt:   item.CreatedAt,
					LastUsed:    item.LastUsed,
					AccessCount: item.AccessCount,
					PIIFlags:    item.PIIFlags,
					OutcomeLog:  item.OutcomeLog,
					Archived:    item.Archived,
					SourceItems: item.SourceItems,
				})
			}
			if offset+pageSize >= page.Total {
				break
			}
		}
	}
	return out, nil
}

// Import re-ingests an opened (already unsealed) bundle document under the
// given user: each item is re-encrypted under the user's current topic keys
// and inserted with fresh ids. Scores and tiers carry over.
func (e *Engine) Import(userID string, opened []byte) (int, error) {
	var bundle Bundle
	if err := json.Unmarshal(opened, &bundle); err != nil {
		return 0, fmt.Errorf("%w: malformed bundle: %v", types.ErrValidation, err)
	}
	if bundle.SchemaVersion != BundleSchemaVersion {
		return 0, fmt.Errorf("%w: bundle schema %d, current %d",
			types.ErrSchemaMismatch, bundle.SchemaVersion, BundleSchemaVersion)
	}

	keys := e.store.Keys()
	imported := 0
	for _, exp := range bundle.Items {
		content, keyID, err := keys.Encrypt([]byte(exp.Text), userID, exp.Topic)
		if err != nil {
			return imported, err
		}
		vector, _, err := keys.Encrypt(store.EncodeVector(exp.Vector), userID, exp.Topic)
		if err != nil {
			return imported, err
		}
		item := &types.MemoryItem{
			ID:            uuid.NewString(),
			UserID:        userID,
			Topic:         exp.Topic,
			Content:       content,
			Vector:        vector,
			Tier:          exp.Tier,
			Score:         exp.Score,
			CreatedAt:     exp.CreatedAt,
			LastUsed:      exp.LastUsed,
			AccessCount:   exp.AccessCount,
			PIIFlags:      exp.PIIFlags,
			OutcomeLog:    exp.OutcomeLog,
			Archived:      exp.Archived,
			SourceItems:   exp.SourceItems,
			KeyID:         keyID,
			Version:       1,
			SchemaVersion: types.SchemaVersion,
		}
		if item.Archived {
			item.ArchivedAt = time.Now().UTC()
		}
		if _, err := e.store.Insert(item); err != nil {
			return imported, err
		}
		imported++
	}

	_ = e.store.AppendAudit(types.AuditEvent{
		UserID:   userID,
		Action:   types.AuditWrite,
		Metadata: map[string]any{"import": true, "items": imported},
	})
	return imported, nil
}
