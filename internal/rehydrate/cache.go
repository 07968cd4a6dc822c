package rehydrate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// =============================================================================
// BUNDLE CACHE
// =============================================================================
// TTL-bounded LRU keyed by a hash of the full request identity. Intent and
// compliance mode are part of the key so bundles never leak across modes.
// Any mutation touching a user's items invalidates all of that user's
// entries.

type bundleCache struct {
	lru *expirable.LRU[string, *ContextBundle]

	mu     sync.Mutex
	byUser map[string]map[string]struct{}
}

func newBundleCache(maxEntries int, ttl time.Duration) *bundleCache {
	c := &bundleCache{byUser: make(map[string]map[string]struct{})}
	c.lru = expirable.NewLRU[string, *ContextBundle](maxEntries, c.onEvict, ttl)
	return c
}

func (c *bundleCache) onEvict(key string, _ *ContextBundle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for user, keys := range c.byUser {
		if _, ok := keys[key]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.byUser, user)
			}
			return
		}
	}
}

// cacheKey hashes the request identity.
func cacheKey(userID, query, topic, intent string, complianceMode bool, budget int) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s\x00%s\x00%s\x00%s\x00%t\x00%d",
		userID, query, topic, intent, complianceMode, budget))
	return hex.EncodeToString(h[:])
}

func (c *bundleCache) get(key string) (*ContextBundle, bool) {
	return c.lru.Get(key)
}

func (c *bundleCache) put(userID, key string, b *ContextBundle) {
	c.lru.Add(key, b)
	c.mu.Lock()
	defer c.mu.Unlock()
	keys, ok := c.byUser[userID]
	if !ok {
		keys = make(map[string]struct{})
		c.byUser[userID] = keys
	}
	keys[key] = struct{}{}
}

// invalidateUser drops every cached bundle belonging to a user.
func (c *bundleCache) invalidateUser(userID string) {
	c.mu.Lock()
	keys := c.byUser[userID]
	delete(c.byUser, userID)
	c.mu.Unlock()
	for key := range keys {
		c.lru.Remove(key)
	}
}
