package sessions

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/sandboxagent/internal/metrics"
)

// NewSessionID generates a fresh session identifier for callers that don't
// supply their own (e.g. a new conversation with no client-provided id).
func NewSessionID() string {
	return uuid.NewString()
}

// DefaultTTL is how long a session may sit idle before CleanupExpired reaps
// it, matching the original's one-hour default.
const DefaultTTL = time.Hour

// Repository is an in-memory, per-session-locked map from session id to
// Session, with a process-wide lock guarding the map itself so per-session
// locks can be created and destroyed atomically.
type Repository struct {
	globalMu    sync.Mutex
	sessions    map[string]*Session
	locks       map[string]*sync.Mutex
	ttl         time.Duration
	maxMessages int
	nowFunc     func() time.Time
	metrics     *metrics.Metrics
}

// Config configures a Repository.
type Config struct {
	TTL         time.Duration
	MaxMessages int
	Metrics     *metrics.Metrics
}

// Option customizes a Config.
type Option func(*Config)

func WithTTL(ttl time.Duration) Option      { return func(c *Config) { c.TTL = ttl } }
func WithMaxMessages(n int) Option          { return func(c *Config) { c.MaxMessages = n } }
func WithMetrics(m *metrics.Metrics) Option { return func(c *Config) { c.Metrics = m } }

// New creates a Repository. TTL defaults to DefaultTTL and MaxMessages to
// DefaultMaxMessages when left zero.
func New(opts ...Option) *Repository {
	cfg := Config{TTL: DefaultTTL, MaxMessages: DefaultMaxMessages}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultMaxMessages
	}
	return &Repository{
		sessions:    make(map[string]*Session),
		locks:       make(map[string]*sync.Mutex),
		ttl:         cfg.TTL,
		maxMessages: cfg.MaxMessages,
		nowFunc:     time.Now,
		metrics:     cfg.Metrics,
	}
}

// SetNowFunc overrides the repository's clock, for deterministic
// CleanupExpired tests.
func (r *Repository) SetNowFunc(fn func() time.Time) {
	r.nowFunc = fn
}

// getLock returns the per-session lock for id, creating it under the global
// lock if absent.
func (r *Repository) getLock(id string) *sync.Mutex {
	r.globalMu.Lock()
	defer r.globalMu.Unlock()
	lock, ok := r.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[id] = lock
	}
	return lock
}

// GetOrCreate returns the session for id, creating it with the
// repository's default MaxMessages if absent, and touches LastAccessed.
func (r *Repository) GetOrCreate(id string) *Session {
	lock := r.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	r.globalMu.Lock()
	session, ok := r.sessions[id]
	if !ok {
		session = newSession(id, r.maxMessages)
		r.sessions[id] = session
	}
	r.globalMu.Unlock()

	if !ok && r.metrics != nil {
		r.metrics.ActiveSessions.Inc()
	}

	session.LastAccessed = r.nowFunc()
	return session
}

// Get returns the session for id, touching LastAccessed, or nil if absent.
func (r *Repository) Get(id string) *Session {
	lock := r.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	r.globalMu.Lock()
	session, ok := r.sessions[id]
	r.globalMu.Unlock()
	if !ok {
		return nil
	}
	session.LastAccessed = r.nowFunc()
	return session
}

// LockForTurn acquires the per-session lock and returns the session
// (creating it with the repository's default MaxMessages if absent) along
// with an unlock function the caller must invoke exactly once. This is how
// the Agent Loop serializes concurrent turns against the same session: the
// lock is held for the whole turn, not just one repository call, so two
// concurrent chat requests against the same session never interleave their
// history writes.
func (r *Repository) LockForTurn(id string) (*Session, func()) {
	lock := r.getLock(id)
	lock.Lock()

	r.globalMu.Lock()
	session, ok := r.sessions[id]
	if !ok {
		session = newSession(id, r.maxMessages)
		r.sessions[id] = session
	}
	r.globalMu.Unlock()

	if !ok && r.metrics != nil {
		r.metrics.ActiveSessions.Inc()
	}

	session.LastAccessed = r.nowFunc()
	return session, lock.Unlock
}

// Add inserts session under its own ID, replacing any existing entry.
func (r *Repository) Add(session *Session) {
	lock := r.getLock(session.ID)
	lock.Lock()
	defer lock.Unlock()

	r.globalMu.Lock()
	r.sessions[session.ID] = session
	r.globalMu.Unlock()
}

// Update replaces the session stored under id, reporting whether one
// existed.
func (r *Repository) Update(id string, session *Session) bool {
	lock := r.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	r.globalMu.Lock()
	defer r.globalMu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	r.sessions[id] = session
	return true
}

// Delete removes the session for id along with its lock entry, reporting
// whether it existed. The session is removed while holding the per-session
// lock, with the global lock taken briefly inside it; the lock-map entry is
// then dropped under a separate global-lock acquisition. No Repository
// method waits for a per-session lock while holding the global lock, so
// CleanupExpired, which releases the global lock before calling Delete,
// cannot deadlock against it.
func (r *Repository) Delete(id string) bool {
	lock := r.getLock(id)
	lock.Lock()
	r.globalMu.Lock()
	_, existed := r.sessions[id]
	delete(r.sessions, id)
	r.globalMu.Unlock()
	lock.Unlock()

	r.globalMu.Lock()
	delete(r.locks, id)
	r.globalMu.Unlock()

	if existed && r.metrics != nil {
		r.metrics.ActiveSessions.Dec()
	}

	return existed
}

// Exists reports whether a session for id is present.
func (r *Repository) Exists(id string) bool {
	r.globalMu.Lock()
	defer r.globalMu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

// GetAll returns every session currently held.
func (r *Repository) GetAll() []*Session {
	r.globalMu.Lock()
	defer r.globalMu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of sessions currently held.
func (r *Repository) Count() int {
	r.globalMu.Lock()
	defer r.globalMu.Unlock()
	return len(r.sessions)
}

// CleanupExpired removes every session whose LastAccessed is older than the
// repository's TTL, returning the number removed. The scan collects
// candidate ids under the global lock, then deletes each outside that
// scope, so Delete's own brief global-lock acquisition never nests under
// the scan's lock.
func (r *Repository) CleanupExpired() int {
	now := r.nowFunc()
	var expired []string

	r.globalMu.Lock()
	for id, session := range r.sessions {
		if now.Sub(session.LastAccessed) > r.ttl {
			expired = append(expired, id)
		}
	}
	r.globalMu.Unlock()

	removed := 0
	for _, id := range expired {
		if r.Delete(id) {
			removed++
		}
	}
	return removed
}
