// Package searchcache caches search-style tool output, keyed by a
// deterministic digest of (operation, pattern, scope, options). Entries are
// invalidated by the combination of a time-to-live and the scope's
// file-state, since a directory's mtime does not always reflect edits made
// to files beneath it.
package searchcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/sandboxagent/internal/filestate"
	"github.com/haasonsaas/sandboxagent/internal/kvstore"
)

const searchPrefix = "_search:"

// digestHexLen is the number of hex characters kept from the full SHA-256
// digest; 16 hex chars (64 bits) is ample to avoid collisions for this
// cache's key space while keeping keys compact.
const digestHexLen = 16

// Cache caches search result strings under digest-derived keys.
type Cache struct {
	store      *kvstore.Store
	tracker    *filestate.Tracker
	defaultTTL time.Duration
}

// New creates a Cache backed by store and tracker, with a default TTL
// applied when callers pass ttl < 0.
func New(store *kvstore.Store, tracker *filestate.Tracker, defaultTTL time.Duration) *Cache {
	return &Cache{store: store, tracker: tracker, defaultTTL: defaultTTL}
}

// digest computes a deterministic key for (op, pattern, resolvedScope,
// options). encoding/json marshals map keys in sorted order, so options can
// be supplied in any order and still land on the same entry.
func digest(op, pattern, resolvedScope string, options map[string]string) string {
	canonical := struct {
		Op      string            `json:"op"`
		Pattern string            `json:"pattern"`
		Scope   string            `json:"scope"`
		Options map[string]string `json:"options"`
	}{Op: op, Pattern: pattern, Scope: resolvedScope, Options: options}

	raw, _ := json.Marshal(canonical)
	sum := sha256.Sum256(raw)
	return searchPrefix + hex.EncodeToString(sum[:])[:digestHexLen]
}

// GetSearchResult returns the cached output for (op, pattern, scope,
// options) only if the tracker reports scope as not stale.
func (c *Cache) GetSearchResult(op, pattern, resolvedScope string, options map[string]string) (string, bool) {
	if c.tracker.IsStale(resolvedScope) {
		return "", false
	}
	raw, ok := c.store.Get(digest(op, pattern, resolvedScope, options))
	if !ok {
		return "", false
	}
	return string(raw), true
}

// SetSearchResult stores result under the (op, pattern, scope, options)
// digest and refreshes the tracker baseline for scope. ttl < 0 selects the
// cache's default TTL.
func (c *Cache) SetSearchResult(op, pattern, resolvedScope string, options map[string]string, result string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = c.defaultTTL
	}
	key := digest(op, pattern, resolvedScope, options)
	if err := c.store.Set(key, []byte(result), ttl); err != nil {
		return fmt.Errorf("searchcache: store result: %w", err)
	}
	if _, err := c.tracker.UpdateState(resolvedScope); err != nil {
		return fmt.Errorf("searchcache: update tracker state: %w", err)
	}
	return nil
}

// InvalidatePattern removes one specific entry, returning true if it
// existed.
func (c *Cache) InvalidatePattern(op, pattern, resolvedScope string, options map[string]string) bool {
	return c.store.Delete(digest(op, pattern, resolvedScope, options))
}
