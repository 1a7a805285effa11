package filestate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/sandboxagent/internal/kvstore"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	store, err := kvstore.New(func(c *kvstore.Config) { c.Dir = t.TempDir() })
	if err != nil {
		t.Fatalf("kvstore.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store)
}

func TestIsStaleWithNoBaseline(t *testing.T) {
	tr := newTestTracker(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !tr.IsStale(path) {
		t.Fatal("expected stale with no recorded baseline")
	}
}

func TestUpdateStateThenNotStale(t *testing.T) {
	tr := newTestTracker(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := tr.UpdateState(path); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	if tr.IsStale(path) {
		t.Fatal("expected not stale immediately after UpdateState")
	}
}

func TestContentChangeMakesStale(t *testing.T) {
	tr := newTestTracker(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := tr.UpdateState(path); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}

	// Ensure mtime/size both change distinctly from the original write.
	time.Sleep(5 * time.Millisecond)
	if err := os.WriteFile(path, []byte("hello world, now longer"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	if !tr.IsStale(path) {
		t.Fatal("expected stale after content change")
	}
}

func TestDeletedFileIsStale(t *testing.T) {
	tr := newTestTracker(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := tr.UpdateState(path); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !tr.IsStale(path) {
		t.Fatal("expected stale after deletion")
	}
}

func TestFromPathSkipsHashAboveThreshold(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.bin")
	big := make([]byte, hashThresholdBytes+1)
	if err := os.WriteFile(path, big, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	state, err := FromPath(path, true)
	if err != nil {
		t.Fatalf("FromPath: %v", err)
	}
	if state.ContentHash != "" {
		t.Fatal("expected no content hash above threshold")
	}
}

func TestFromPathDirectoryState(t *testing.T) {
	dir := t.TempDir()
	state, err := FromPath(dir, true)
	if err != nil {
		t.Fatalf("FromPath: %v", err)
	}
	if state.Size != 0 || state.ContentHash != "" {
		t.Fatalf("expected zero size and no hash for directory, got %+v", state)
	}
}
