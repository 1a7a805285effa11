// Package kvstore implements the Persistent KV Store: an async-safe,
// disk-backed map with LRU eviction and optional per-entry TTL. It backs the
// File-State Tracker, Content Cache, and Search Cache.
package kvstore

import (
	"container/list"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, no cgo
)

// DefaultSizeLimitBytes is the default byte-volume ceiling (500 MiB).
const DefaultSizeLimitBytes int64 = 500 << 20

// Stats summarizes the store's current occupancy.
type Stats struct {
	EntryCount      int
	ByteVolume      int64
	StorageLocation string
}

type entry struct {
	key       string
	size      int64
	expiresAt time.Time // zero means never expires
}

// Config configures a Store.
type Config struct {
	Dir            string
	SizeLimitBytes int64
	Logger         *slog.Logger
}

// Option mutates a Config.
type Option func(*Config)

// WithSizeLimitBytes overrides the default byte-volume ceiling.
func WithSizeLimitBytes(n int64) Option {
	return func(c *Config) { c.SizeLimitBytes = n }
}

// WithLogger injects a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// Store is a disk-backed, LRU-evicted, TTL-aware key-value store.
//
// All mutation and lookup goes through a single mutex guarding both the
// SQLite handle and the in-process LRU index; this is the one lock that
// every higher-layer cache component inherits its safety from.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	dir    string
	logger *slog.Logger

	sizeLimit int64
	volume    int64
	lru       *list.List
	index     map[string]*list.Element

	closeOnce sync.Once
	stopJanitor chan struct{}
}

// New opens (creating if necessary) a SQLite-backed store under cfg.Dir.
func New(opts ...Option) (*Store, error) {
	cfg := Config{SizeLimitBytes: DefaultSizeLimitBytes}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("kvstore: Dir is required")
	}
	if cfg.SizeLimitBytes <= 0 {
		cfg.SizeLimitBytes = DefaultSizeLimitBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	dbPath := filepath.Join(cfg.Dir, "kv.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers across connections

	s := &Store{
		db:          db,
		dir:         cfg.Dir,
		logger:      cfg.Logger,
		sizeLimit:   cfg.SizeLimitBytes,
		lru:         list.New(),
		index:       make(map[string]*list.Element),
		stopJanitor: make(chan struct{}),
	}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.rebuildIndex(); err != nil {
		db.Close()
		return nil, err
	}
	go s.janitorLoop(time.Minute)
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0,
			accessed_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("kvstore: create table: %w", err)
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_kv_accessed ON kv(accessed_at)`)
	if err != nil {
		return fmt.Errorf("kvstore: create index: %w", err)
	}
	return nil
}

// rebuildIndex loads key/size/expiry metadata ordered by access recency so
// the in-process LRU index matches what's already on disk after a restart.
func (s *Store) rebuildIndex() error {
	rows, err := s.db.Query(`SELECT key, length(value), expires_at FROM kv ORDER BY accessed_at ASC`)
	if err != nil {
		return fmt.Errorf("kvstore: rebuild index: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var size int64
		var expiresAtUnix int64
		if err := rows.Scan(&key, &size, &expiresAtUnix); err != nil {
			return fmt.Errorf("kvstore: scan row: %w", err)
		}
		e := &entry{key: key, size: size}
		if expiresAtUnix > 0 {
			e.expiresAt = time.Unix(expiresAtUnix, 0)
		}
		el := s.lru.PushFront(e)
		s.index[key] = el
		s.volume += size
	}
	return rows.Err()
}

// Get returns the value for key if present and unexpired, touching its LRU
// recency on a hit.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.index[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		s.removeLocked(key)
		return nil, false
	}

	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if err != sql.ErrNoRows {
			s.logger.Error("kvstore: get failed", "key", key, "err", err)
		}
		s.removeLocked(key)
		return nil, false
	}

	s.lru.MoveToFront(el)
	now := time.Now().Unix()
	if _, err := s.db.Exec(`UPDATE kv SET accessed_at = ? WHERE key = ?`, now, key); err != nil {
		s.logger.Warn("kvstore: touch failed", "key", key, "err", err)
	}
	return value, true
}

// Set stores value under key. A zero ttl means the entry never time-expires.
// May trigger eviction of least-recently-used entries to respect the
// configured byte-volume ceiling.
func (s *Store) Set(key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expiresAtUnix int64
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
		expiresAtUnix = expiresAt.Unix()
	}
	now := time.Now().Unix()

	if el, ok := s.index[key]; ok {
		old := el.Value.(*entry)
		s.volume -= old.size
		s.lru.Remove(el)
		delete(s.index, key)
	}

	_, err := s.db.Exec(
		`INSERT INTO kv (key, value, expires_at, accessed_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at, accessed_at = excluded.accessed_at`,
		key, value, expiresAtUnix, now,
	)
	if err != nil {
		return fmt.Errorf("kvstore: set %s: %w", key, err)
	}

	e := &entry{key: key, size: int64(len(value)), expiresAt: expiresAt}
	el := s.lru.PushFront(e)
	s.index[key] = el
	s.volume += e.size

	s.evictLocked()
	return nil
}

// evictLocked removes least-recently-used entries until volume is under the
// size limit. Caller must hold s.mu.
func (s *Store) evictLocked() {
	for s.volume > s.sizeLimit {
		back := s.lru.Back()
		if back == nil {
			return
		}
		e := back.Value.(*entry)
		s.removeLocked(e.key)
	}
}

// removeLocked deletes key from both the disk table and the LRU index.
// Caller must hold s.mu.
func (s *Store) removeLocked(key string) bool {
	el, ok := s.index[key]
	if !ok {
		return false
	}
	e := el.Value.(*entry)
	s.lru.Remove(el)
	delete(s.index, key)
	s.volume -= e.size

	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		s.logger.Error("kvstore: delete failed", "key", key, "err", err)
	}
	return true
}

// Delete removes key, returning true if it was present.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(key)
}

// Clear removes every entry.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM kv`); err != nil {
		return fmt.Errorf("kvstore: clear: %w", err)
	}
	s.lru = list.New()
	s.index = make(map[string]*list.Element)
	s.volume = 0
	return nil
}

// Stats reports current occupancy.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		EntryCount:      len(s.index),
		ByteVolume:      s.volume,
		StorageLocation: s.dir,
	}
}

// IterKeys returns a snapshot of every current key. Expected to be
// expensive; used only by bulk invalidation paths.
func (s *Store) IterKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.index))
	for k := range s.index {
		keys = append(keys, k)
	}
	return keys
}

func (s *Store) janitorLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepExpired()
		case <-s.stopJanitor:
			return
		}
	}
}

func (s *Store) sweepExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var expired []string
	for key, el := range s.index {
		e := el.Value.(*entry)
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		s.removeLocked(key)
	}
}

// Close stops the janitor and releases the database handle.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopJanitor)
		err = s.db.Close()
	})
	return err
}
