// Package session keeps one conversation per user identity and guarantees
// that at most one turn runs against a conversation at a time.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"greekroom/internal/chat"
)

const DefaultIdleTTL = 2 * time.Hour

var ErrNoIdentity = errors.New("session identity is empty")

type entry struct {
	session *chat.Session
	// lease is a one-slot semaphore; holding it grants exclusive use.
	lease   chan struct{}
	lastUse atomic.Int64
}

func (e *entry) touch(now time.Time) { e.lastUse.Store(now.UnixNano()) }

// Store maps identities to sessions. Sessions idle for longer than the TTL
// are evicted by Run; a session that is leased is never evicted.
type Store struct {
	systemPrompt string
	idleTTL      time.Duration
	now          func() time.Time
	logger       *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

type Option func(*Store)

// WithIdleTTL sets the eviction threshold. Zero disables eviction.
func WithIdleTTL(d time.Duration) Option {
	return func(s *Store) { s.idleTTL = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewStore(systemPrompt string, opts ...Option) *Store {
	s := &Store{
		systemPrompt: systemPrompt,
		idleTTL:      DefaultIdleTTL,
		now:          time.Now,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		entries:      make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) getOrCreate(id string) *entry {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		return e
	}
	e = &entry{
		session: chat.NewSession(id, s.systemPrompt),
		lease:   make(chan struct{}, 1),
	}
	e.touch(s.now())
	s.entries[id] = e
	s.logger.Debug("session created", "session", id)
	return e
}

// GetOrCreate returns the session for id without leasing it. Two calls with
// the same id return the same session.
func (s *Store) GetOrCreate(id string) (*chat.Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrNoIdentity
	}
	e := s.getOrCreate(id)
	e.touch(s.now())
	return e.session, nil
}

// Acquire returns the session for id together with an exclusive lease. The
// caller must call release when the turn is over; release is idempotent.
// Acquire blocks while another caller holds the lease and gives up when ctx
// is done.
func (s *Store) Acquire(ctx context.Context, id string) (*chat.Session, func(), error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil, ErrNoIdentity
	}
	for {
		e := s.getOrCreate(id)
		select {
		case e.lease <- struct{}{}:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}

		// The entry may have been evicted while we waited for it.
		s.mu.RLock()
		current := s.entries[id]
		s.mu.RUnlock()
		if current != e {
			<-e.lease
			continue
		}

		e.touch(s.now())
		var once sync.Once
		release := func() {
			once.Do(func() {
				e.touch(s.now())
				<-e.lease
			})
		}
		return e.session, release, nil
	}
}

// Reset clears the history of id under its lease. Unknown identities are a
// no-op.
func (s *Store) Reset(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	_, ok := s.entries[strings.TrimSpace(id)]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	sess, release, err := s.Acquire(ctx, id)
	if err != nil {
		return false, err
	}
	defer release()
	sess.Reset()
	return true, nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Evict removes sessions idle since before now-TTL and returns how many were
// dropped. Leased sessions are skipped.
func (s *Store) Evict() int {
	if s.idleTTL <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.idleTTL).UnixNano()

	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, e := range s.entries {
		if e.lastUse.Load() > cutoff {
			continue
		}
		select {
		case e.lease <- struct{}{}:
			delete(s.entries, id)
			<-e.lease
			evicted++
		default:
		}
	}
	if evicted > 0 {
		s.logger.Info("idle sessions evicted", "count", evicted, "remaining", len(s.entries))
	}
	return evicted
}

// Run evicts idle sessions periodically until ctx is done.
func (s *Store) Run(ctx context.Context) {
	if s.idleTTL <= 0 {
		return
	}
	interval := s.idleTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Evict()
		}
	}
}
