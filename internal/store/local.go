// Package store implements the encrypted hybrid store: SQLite-backed
// metadata and content storage, a per-user in-memory vector index over
// decrypted embeddings, and the append-only event logs (tier transitions,
// consolidations, audits, query log, outcomes).
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"acms/internal/crypto"
)

// LocalStore is the SQLite-backed hybrid store. All content and vectors are
// stored as envelope-encrypted blobs; decryption happens on read through the
// key manager.
type LocalStore struct {
	db     *sql.DB
	keys   *crypto.KeyManager
	dbPath string

	mu sync.RWMutex

	// userLocks serializes mutating operations per user. Reads do not take
	// these locks.
	userLocksMu sync.Mutex
	userLocks   map[string]*sync.Mutex

	// indexes holds the per-user vector index shards.
	indexesMu sync.Mutex
	indexes   map[string]*userIndex
}

// NewLocalStore opens (creating if necessary) the SQLite database at path.
// Use ":memory:" for tests.
func NewLocalStore(path string, keys *crypto.KeyManager) (*LocalStore, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// modernc sqlite serializes internally, but a single connection keeps
	// transactions and the in-memory database coherent.
	db.SetMaxOpenConns(1)

	s := &LocalStore{
		db:        db,
		keys:      keys,
		dbPath:    path,
		userLocks: make(map[string]*sync.Mutex),
		indexes:   make(map[string]*userIndex),
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initialize creates the required tables.
func (s *LocalStore) initialize() error {
	itemsTable := `
	CREATE TABLE IF NOT EXISTS memory_items (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		topic TEXT NOT NULL,
		content BLOB NOT NULL,
		vector BLOB NOT NULL,
		tier TEXT NOT NULL,
		score REAL NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		last_used DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0,
		pii_json TEXT NOT NULL DEFAULT '{}',
		outcome_json TEXT NOT NULL DEFAULT '[]',
		archived INTEGER NOT NULL DEFAULT 0,
		archived_at DATETIME,
		source_json TEXT NOT NULL DEFAULT '[]',
		key_id TEXT NOT NULL,
		pinned INTEGER NOT NULL DEFAULT 0,
		quarantined INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		schema_version INTEGER NOT NULL,
		embedder TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_items_user ON memory_items(user_id, archived);
	CREATE INDEX IF NOT EXISTS idx_items_user_topic ON memory_items(user_id, topic);
	CREATE INDEX IF NOT EXISTS idx_items_user_tier ON memory_items(user_id, tier);
	CREATE INDEX IF NOT EXISTS idx_items_score ON memory_items(user_id, score);
	`

	usersTable := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		credential_hash TEXT NOT NULL,
		public_key BLOB,
		created_at DATETIME NOT NULL
	);
	`

	profilesTable := `
	CREATE TABLE IF NOT EXISTS profiles (
		user_id TEXT PRIMARY KEY,
		centroids_json TEXT NOT NULL DEFAULT '{}',
		counts_json TEXT NOT NULL DEFAULT '{}',
		crs_json TEXT NOT NULL DEFAULT '{}',
		updated_at DATETIME NOT NULL
	);
	`

	tierEventsTable := `
	CREATE TABLE IF NOT EXISTS tier_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		from_tier TEXT NOT NULL,
		to_tier TEXT NOT NULL,
		score REAL NOT NULL,
		reason TEXT NOT NULL,
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tier_events_user ON tier_events(user_id);
	`

	consolidationTable := `
	CREATE TABLE IF NOT EXISTS consolidation_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		source_tier TEXT NOT NULL,
		target_tier TEXT NOT NULL,
		source_count INTEGER NOT NULL,
		produced_json TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_consolidation_user ON consolidation_events(user_id);
	`

	auditTable := `
	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		action TEXT NOT NULL,
		resource_id TEXT,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		client_ip TEXT,
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_log(user_id);
	`

	queryLogTable := `
	CREATE TABLE IF NOT EXISTS query_log (
		query_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		query_hash TEXT NOT NULL,
		items_json TEXT NOT NULL,
		response_hash TEXT,
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_query_log_user ON query_log(user_id);
	`

	outcomesTable := `
	CREATE TABLE IF NOT EXISTS outcome_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		event_json TEXT NOT NULL,
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_outcomes_query ON outcome_events(query_id);
	`

	consentTable := `
	CREATE TABLE IF NOT EXISTS pii_consent (
		user_id TEXT NOT NULL,
		topic TEXT NOT NULL,
		kind TEXT NOT NULL,
		granted_at DATETIME NOT NULL,
		PRIMARY KEY (user_id, topic, kind)
	);
	`

	exportsTable := `
	CREATE TABLE IF NOT EXISTS export_handles (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		topic TEXT,
		bundle BLOB NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);
	`

	for _, table := range []string{
		itemsTable, usersTable, profilesTable, tierEventsTable,
		consolidationTable, auditTable, queryLogTable, outcomesTable,
		consentTable, exportsTable,
	} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *LocalStore) Close() error {
	return s.db.Close()
}

// Keys exposes the key manager for policy-driven key destruction.
func (s *LocalStore) Keys() *crypto.KeyManager { return s.keys }

// userLock returns (creating if needed) the per-user mutation lock.
func (s *LocalStore) userLock(userID string) *sync.Mutex {
	s.userLocksMu.Lock()
	defer s.userLocksMu.Unlock()
	l, ok := s.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.userLocks[userID] = l
	}
	return l
}

// GetStats returns row counts per table, primarily for diagnostics.
func (s *LocalStore) GetStats() (map[string]int64, error) {
	stats := make(map[string]int64)
	tables := []string{
		"memory_items", "users", "profiles", "tier_events",
		"consolidation_events", "audit_log", "query_log", "outcome_events",
	}
	for _, table := range tables {
		var count int64
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			continue
		}
		stats[table] = count
	}
	return stats, nil
}
