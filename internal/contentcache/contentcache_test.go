package contentcache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/sandboxagent/internal/filestate"
	"github.com/haasonsaas/sandboxagent/internal/kvstore"
)

func newTestCache(t *testing.T) (*Cache, string) {
	t.Helper()
	store, err := kvstore.New(func(c *kvstore.Config) { c.Dir = t.TempDir() })
	if err != nil {
		t.Fatalf("kvstore.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	tracker := filestate.New(store)
	root := t.TempDir()
	return New(store, tracker, 0), root
}

func TestGetContentCacheHit(t *testing.T) {
	cache, root := newTestCache(t)
	path := filepath.Join(root, "a.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	firstLoader := func(p string) (string, error) {
		b, err := os.ReadFile(p)
		return string(b), err
	}

	content, err := cache.GetContent(path, firstLoader, -1)
	if err != nil {
		t.Fatalf("GetContent: %v", err)
	}
	if content != "hello" {
		t.Fatalf("expected hello, got %q", content)
	}

	calls := 0
	countingLoader := func(p string) (string, error) {
		calls++
		b, err := os.ReadFile(p)
		return string(b), err
	}
	content2, err := cache.GetContent(path, countingLoader, -1)
	if err != nil {
		t.Fatalf("GetContent: %v", err)
	}
	if content2 != "hello" {
		t.Fatalf("expected hello, got %q", content2)
	}
	if calls != 0 {
		t.Fatalf("expected cache hit to skip loader, got %d calls", calls)
	}
}

func TestGetContentInvalidatesOnChange(t *testing.T) {
	cache, root := newTestCache(t)
	path := filepath.Join(root, "a.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	loader := func(p string) (string, error) {
		b, err := os.ReadFile(p)
		return string(b), err
	}
	if _, err := cache.GetContent(path, loader, -1); err != nil {
		t.Fatalf("GetContent: %v", err)
	}

	if err := os.WriteFile(path, []byte("world!!"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	content, err := cache.GetContent(path, loader, -1)
	if err != nil {
		t.Fatalf("GetContent: %v", err)
	}
	if content != "world!!" {
		t.Fatalf("expected updated content, got %q", content)
	}
}

func TestInvalidateDirectorySegmentSafe(t *testing.T) {
	cache, root := newTestCache(t)
	dataDir := filepath.Join(root, "data")
	data2Dir := filepath.Join(root, "data2")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(data2Dir, 0o755); err != nil {
		t.Fatal(err)
	}
	xPath := filepath.Join(dataDir, "x")
	yPath := filepath.Join(data2Dir, "y")
	if err := os.WriteFile(xPath, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(yPath, []byte("y"), 0o644); err != nil {
		t.Fatal(err)
	}
	loader := func(p string) (string, error) {
		b, err := os.ReadFile(p)
		return string(b), err
	}
	if _, err := cache.GetContent(xPath, loader, -1); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.GetContent(yPath, loader, -1); err != nil {
		t.Fatal(err)
	}

	count := cache.InvalidateDirectory(dataDir)
	if count != 1 {
		t.Fatalf("expected 1 entry invalidated, got %d", count)
	}
	if _, ok := cache.store.Get(contentKey(xPath)); ok {
		t.Fatal("expected /data/x entry removed")
	}
	if _, ok := cache.store.Get(contentKey(yPath)); !ok {
		t.Fatal("expected /data2/y entry to survive")
	}
}
