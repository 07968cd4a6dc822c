package store

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"acms/internal/embedding"
	"acms/internal/logging"
	"acms/internal/types"
)

// =============================================================================
// PER-USER VECTOR INDEX
// =============================================================================
// The vector index is a per-user in-memory shard of decrypted embeddings.
// Vectors are decryptable only at query time: the serving index holds
// plaintext vectors in process memory, never at rest. Rebuilds run off the
// read path and swap in atomically; metadata reads keep working while a
// rebuild is in flight.

type indexEntry struct {
	id    string
	topic string
	tier  types.Tier
	score float64
	vec   []float32
}

type userIndex struct {
	// snapshot is an atomically swapped []indexEntry.
	snapshot atomic.Value

	// buildMu serializes rebuilds for this user.
	buildMu sync.Mutex
	built   atomic.Bool
	dirty   atomic.Bool
}

func (s *LocalStore) index(userID string) *userIndex {
	s.indexesMu.Lock()
	defer s.indexesMu.Unlock()
	idx, ok := s.indexes[userID]
	if !ok {
		idx = &userIndex{}
		idx.dirty.Store(true)
		s.indexes[userID] = idx
	}
	return idx
}

// markIndexDirty flags a user's index for rebuild on next search.
func (s *LocalStore) markIndexDirty(userID string) {
	s.index(userID).dirty.Store(true)
}

// RebuildIndex rebuilds a user's vector index from the non-archived,
// non-quarantined items and swaps it in atomically.
func (s *LocalStore) RebuildIndex(userID string) error {
	timer := logging.StartTimer(logging.CategoryStore, "RebuildIndex")
	defer timer.Stop()

	idx := s.index(userID)
	idx.buildMu.Lock()
	defer idx.buildMu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, topic, tier, score, vector, key_id FROM memory_items
		 WHERE user_id = ? AND archived = 0 AND quarantined = 0`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("failed to scan items for index: %w", err)
	}
	defer rows.Close()

	var entries []indexEntry
	for rows.Next() {
		var e indexEntry
		var tier, keyID string
		var blob []byte
		if err := rows.Scan(&e.id, &e.topic, &tier, &e.score, &blob, &keyID); err != nil {
			continue
		}
		vecBytes, err := s.keys.Decrypt(blob, keyID)
		if err != nil {
			logging.Get(logging.CategoryStore).Warnw("skipping undecryptable vector",
				"item", e.id, "error", err)
			continue
		}
		vec, err := DecodeVector(vecBytes)
		if err != nil {
			continue
		}
		e.tier = types.Tier(tier)
		e.vec = vec
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	idx.snapshot.Store(entries)
	idx.built.Store(true)
	idx.dirty.Store(false)
	return nil
}

// SearchFilter narrows vector search. Empty fields mean "no constraint".
type SearchFilter struct {
	Topic    string
	Tier     types.Tier
	MinScore float64
}

// Search returns up to k decrypted items ordered by descending cosine
// similarity to the query vector, constrained to the user's non-archived
// items and the filter predicates. Returns types.ErrIndexNotReady when the
// initial index build has not completed.
func (s *LocalStore) Search(queryVec []float32, userID string, f SearchFilter, k int) ([]*DecryptedItem, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Search")
	defer timer.Stop()

	if k <= 0 {
		k = 10
	}

	idx := s.index(userID)
	if idx.dirty.Load() || !idx.built.Load() {
		// Lazy rebuild on the first search after a write. If another
		// goroutine holds the build lock and no snapshot exists yet, the
		// initial build is still running.
		if idx.buildMu.TryLock() {
			idx.buildMu.Unlock()
			if err := s.RebuildIndex(userID); err != nil {
				return nil, err
			}
		} else if !idx.built.Load() {
			return nil, types.ErrIndexNotReady
		}
	}

	entries, _ := idx.snapshot.Load().([]indexEntry)

	type scored struct {
		id  string
		sim float64
	}
	var candidates []scored
	for _, e := range entries {
		if f.Topic != "" && e.topic != f.Topic {
			continue
		}
		if f.Tier != "" && e.tier != f.Tier {
			continue
		}
		if e.score < f.MinScore {
			continue
		}
		sim, err := embedding.CosineSimilarity(queryVec, e.vec)
		if err != nil {
			continue
		}
		candidates = append(candidates, scored{id: e.id, sim: sim})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].sim != candidates[j].sim {
			return candidates[i].sim > candidates[j].sim
		}
		return candidates[i].id < candidates[j].id
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	results := make([]*DecryptedItem, 0, len(candidates))
	for _, c := range candidates {
		item, err := s.Get(c.id, userID)
		if err != nil {
			// The item may have been archived or quarantined since the
			// snapshot was taken; skip rather than fail the search.
			continue
		}
		item.Similarity = c.sim
		results = append(results, item)
	}
	return results, nil
}
