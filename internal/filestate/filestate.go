// Package filestate detects whether a file or directory has changed since
// it was last observed, for cache invalidation. Ported from the original
// disk_cache-backed FileStateTracker: an immutable (mtime, size, optional
// content hash) triple stored in the Persistent KV Store under a
// "_filestate:" prefix.
package filestate

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/haasonsaas/sandboxagent/internal/kvstore"
)

// hashThresholdBytes is the file-size ceiling below which content hashing is
// attempted; above it, hashing is skipped even when requested.
const hashThresholdBytes = 1_000_000

const statePrefix = "_filestate:"

// State is an immutable snapshot of a path's (mtime, size, optional content
// hash). Equality is field-wise.
type State struct {
	ModTimeUnixNano int64  `json:"mtime"`
	Size            int64  `json:"size"`
	ContentHash     string `json:"content_hash,omitempty"`
}

// Equal reports whether two states are identical.
func (s State) Equal(other State) bool {
	return s.ModTimeUnixNano == other.ModTimeUnixNano &&
		s.Size == other.Size &&
		s.ContentHash == other.ContentHash
}

// FromPath computes the current state of path. hashContent requests content
// hashing, which is only actually performed when path names a regular file
// under hashThresholdBytes.
func FromPath(path string, hashContent bool) (State, error) {
	info, err := os.Stat(path)
	if err != nil {
		return State{}, err
	}

	state := State{
		ModTimeUnixNano: info.ModTime().UnixNano(),
		Size:            info.Size(),
	}
	if info.IsDir() {
		// Directory state deliberately ignores size and hash: mtime changes
		// when entries are added or removed, which is a weak but sufficient
		// signal for invalidating coarse-grained searches.
		state.Size = 0
		return state, nil
	}

	if hashContent && info.Mode().IsRegular() && info.Size() < hashThresholdBytes {
		hash, err := hashFile(path)
		if err != nil {
			return State{}, err
		}
		state.ContentHash = hash
	}
	return state, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	buf := make([]byte, 8192)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Tracker stores and compares file states via the Persistent KV Store.
type Tracker struct {
	store *kvstore.Store
}

// New creates a Tracker backed by store.
func New(store *kvstore.Store) *Tracker {
	return &Tracker{store: store}
}

func stateKey(resolved string) string {
	return statePrefix + resolved
}

// GetState returns the last recorded state for path, if any. path must
// already be resolved to its canonical absolute form by the caller.
func (t *Tracker) GetState(resolvedPath string) (State, bool) {
	raw, ok := t.store.Get(stateKey(resolvedPath))
	if !ok {
		return State{}, false
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return State{}, false
	}
	return s, true
}

// UpdateState observes the current state of path (always attempting a
// content hash, subject to the type/size gate) and stores it.
func (t *Tracker) UpdateState(resolvedPath string) (State, error) {
	s, err := FromPath(resolvedPath, true)
	if err != nil {
		return State{}, err
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return State{}, fmt.Errorf("filestate: marshal state: %w", err)
	}
	if err := t.store.Set(stateKey(resolvedPath), raw, 0); err != nil {
		return State{}, err
	}
	return s, nil
}

// IsStale reports whether resolvedPath has changed since the last
// UpdateState call, or has no recorded baseline, or no longer exists.
func (t *Tracker) IsStale(resolvedPath string) bool {
	cached, ok := t.GetState(resolvedPath)
	if !ok {
		return true
	}
	// Preserve the baseline's hashing decision: only re-hash if the cached
	// state had a hash to begin with.
	current, err := FromPath(resolvedPath, cached.ContentHash != "")
	if err != nil {
		if os.IsNotExist(err) {
			return true
		}
		return true
	}
	return !current.Equal(cached)
}
