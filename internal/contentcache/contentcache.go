// Package contentcache caches full file contents keyed by resolved path,
// invalidating on file change via the File-State Tracker.
package contentcache

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/sandboxagent/internal/filestate"
	"github.com/haasonsaas/sandboxagent/internal/kvstore"
)

const contentPrefix = "_content:"

// Loader produces the full current content of path on a cache miss.
type Loader func(resolvedPath string) (string, error)

// Cache caches file contents. Keys are "_content:<resolved_path>".
type Cache struct {
	store      *kvstore.Store
	tracker    *filestate.Tracker
	defaultTTL time.Duration
}

// New creates a Cache backed by store and tracker. defaultTTL is used by
// GetContent calls that pass ttl < 0; zero means "no time-based expiry".
func New(store *kvstore.Store, tracker *filestate.Tracker, defaultTTL time.Duration) *Cache {
	return &Cache{store: store, tracker: tracker, defaultTTL: defaultTTL}
}

func contentKey(resolvedPath string) string {
	return contentPrefix + resolvedPath
}

// GetContent returns the cached content for resolvedPath if the tracker
// reports it as not stale, otherwise invokes loader, stores the result, and
// updates the tracker baseline in the same call. ttl < 0 selects the
// cache's default TTL; ttl == 0 means never expire by time.
func (c *Cache) GetContent(resolvedPath string, loader Loader, ttl time.Duration) (string, error) {
	if ttl < 0 {
		ttl = c.defaultTTL
	}

	if !c.tracker.IsStale(resolvedPath) {
		if raw, ok := c.store.Get(contentKey(resolvedPath)); ok {
			return string(raw), nil
		}
	}

	content, err := loader(resolvedPath)
	if err != nil {
		// Cache loaders that raise bypass cache writes so that transient
		// failures do not poison subsequent lookups.
		return "", err
	}

	if err := c.store.Set(contentKey(resolvedPath), []byte(content), ttl); err != nil {
		return "", fmt.Errorf("contentcache: store content: %w", err)
	}
	if _, err := c.tracker.UpdateState(resolvedPath); err != nil {
		return "", fmt.Errorf("contentcache: update tracker state: %w", err)
	}
	return content, nil
}

// Invalidate removes the cache entry for resolvedPath.
func (c *Cache) Invalidate(resolvedPath string) bool {
	return c.store.Delete(contentKey(resolvedPath))
}

// InvalidateDirectory removes every content entry whose resolved path is
// contained within dir, using path-segment containment so "/data" does not
// match "/data2" or "/database".
func (c *Cache) InvalidateDirectory(dir string) int {
	dir = filepath.Clean(dir)
	count := 0
	for _, key := range c.store.IterKeys() {
		path, ok := strings.CutPrefix(key, contentPrefix)
		if !ok {
			continue
		}
		if isWithinDir(path, dir) {
			if c.store.Delete(key) {
				count++
			}
		}
	}
	return count
}

// isWithinDir reports whether path is dir itself or a descendant of dir,
// using segment-aware comparison so sibling directories with a shared
// prefix (e.g. "/data" vs "/data2") never collide.
func isWithinDir(path, dir string) bool {
	path = filepath.Clean(path)
	if path == dir {
		return true
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
