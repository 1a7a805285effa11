package kvstore

import (
	"testing"
	"time"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	dir := t.TempDir()
	allOpts := append([]Option{func(c *Config) { c.Dir = dir }}, opts...)
	s, err := New(allOpts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if err := s.Set("k1", []byte("v1"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok := s.Get("k1")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(v) != "v1" {
		t.Fatalf("expected v1, got %s", v)
	}
}

func TestGetMissingKey(t *testing.T) {
	s := newTestStore(t)
	if _, ok := s.Get("nope"); ok {
		t.Fatal("expected miss")
	}
}

func TestSetOverwrite(t *testing.T) {
	s := newTestStore(t)
	_ = s.Set("k1", []byte("v1"), 0)
	_ = s.Set("k1", []byte("v2"), 0)
	v, ok := s.Get("k1")
	if !ok || string(v) != "v2" {
		t.Fatalf("expected v2, got %q ok=%v", v, ok)
	}
	if got := s.Stats().EntryCount; got != 1 {
		t.Fatalf("expected 1 entry after overwrite, got %d", got)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	_ = s.Set("k1", []byte("v1"), 0)
	if !s.Delete("k1") {
		t.Fatal("expected delete to report true")
	}
	if s.Delete("k1") {
		t.Fatal("expected second delete to report false")
	}
	if _, ok := s.Get("k1"); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestClear(t *testing.T) {
	s := newTestStore(t)
	_ = s.Set("k1", []byte("v1"), 0)
	_ = s.Set("k2", []byte("v2"), 0)
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got := s.Stats().EntryCount; got != 0 {
		t.Fatalf("expected 0 entries, got %d", got)
	}
}

func TestExpiryIsLazilyRemovedOnGet(t *testing.T) {
	s := newTestStore(t)
	if err := s.Set("k1", []byte("v1"), time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, ok := s.Get("k1"); ok {
		t.Fatal("expected expired entry to be absent")
	}
	if got := s.Stats().EntryCount; got != 0 {
		t.Fatalf("expected expired entry to be pruned, got %d entries", got)
	}
}

func TestEvictionRespectsSizeLimit(t *testing.T) {
	s := newTestStore(t, WithSizeLimitBytes(10))
	_ = s.Set("k1", []byte("12345"), 0)
	_ = s.Set("k2", []byte("12345"), 0)
	// Inserting a third 5-byte value should evict k1 (least recently used).
	_ = s.Set("k3", []byte("12345"), 0)

	if _, ok := s.Get("k1"); ok {
		t.Fatal("expected k1 to be evicted")
	}
	if _, ok := s.Get("k2"); !ok {
		t.Fatal("expected k2 to survive")
	}
	if _, ok := s.Get("k3"); !ok {
		t.Fatal("expected k3 to survive")
	}
}

func TestIterKeys(t *testing.T) {
	s := newTestStore(t)
	_ = s.Set("a", []byte("1"), 0)
	_ = s.Set("b", []byte("2"), 0)
	keys := s.IterKeys()
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
}

func TestStatsStorageLocation(t *testing.T) {
	dir := t.TempDir()
	s, err := New(func(c *Config) { c.Dir = dir })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	if got := s.Stats().StorageLocation; got != dir {
		t.Fatalf("expected storage location %s, got %s", dir, got)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s1, err := New(func(c *Config) { c.Dir = dir })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s1.Set("k1", []byte("v1"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := New(func(c *Config) { c.Dir = dir })
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	v, ok := s2.Get("k1")
	if !ok || string(v) != "v1" {
		t.Fatalf("expected v1 after reopen, got %q ok=%v", v, ok)
	}
}
