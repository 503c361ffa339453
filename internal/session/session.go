// Package session implements the per-tenant opaque session token store.
// Grounded on the teacher's pkg/middleware jwksCache: an RWMutex-guarded map
// with TTL entries and a background sweep, generalized from "cached JWKS
// sets" to "issued session tokens."
package session

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// Session is a snapshot of what a session token is allowed to call.
type Session struct {
	Token        string
	Capabilities []string
	ExpiresAt    time.Time
}

type entry struct {
	capabilities []string
	expiresAt    time.Time
}

// Store is a tenant's session token store. The zero value is not usable;
// construct with New.
type Store struct {
	ttl      time.Duration
	mu       sync.Mutex
	sessions map[string]entry

	stop chan struct{}
	once sync.Once
}

const defaultTTL = time.Hour
const compactionInterval = 60 * time.Second

// New constructs a Store with the given token TTL (defaultTTL if ttl <= 0)
// and starts its background compaction loop.
func New(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	s := &Store{
		ttl:      ttl,
		sessions: map[string]entry{},
		stop:     make(chan struct{}),
	}
	go s.compactLoop()
	return s
}

// Create issues a new session token scoped to capabilities.
func (s *Store) Create(capabilities []string) (Session, error) {
	token, err := newToken()
	if err != nil {
		return Session{}, err
	}
	expiresAt := time.Now().Add(s.ttl)
	snapshot := append([]string(nil), capabilities...)

	s.mu.Lock()
	s.sessions[token] = entry{capabilities: snapshot, expiresAt: expiresAt}
	s.mu.Unlock()

	return Session{Token: token, Capabilities: snapshot, ExpiresAt: expiresAt}, nil
}

// Validate returns the session for token, or ok=false if the token is
// unknown or expired. An expired token is evicted as a side effect.
func (s *Store) Validate(token string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[token]
	if !ok {
		return Session{}, false
	}
	if !time.Now().Before(e.expiresAt) {
		delete(s.sessions, token)
		return Session{}, false
	}
	return Session{Token: token, Capabilities: e.capabilities, ExpiresAt: e.expiresAt}, true
}

// End idempotently removes a session token.
func (s *Store) End(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}

// Destroy stops compaction and drops all sessions. Safe to call more than
// once.
func (s *Store) Destroy() {
	s.once.Do(func() { close(s.stop) })
	s.mu.Lock()
	s.sessions = map[string]entry{}
	s.mu.Unlock()
}

func (s *Store) compactLoop() {
	ticker := time.NewTicker(compactionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.compact()
		}
	}
}

func (s *Store) compact() {
	now := time.Now()
	s.mu.Lock()
	for tok, e := range s.sessions {
		if !now.Before(e.expiresAt) {
			delete(s.sessions, tok)
		}
	}
	s.mu.Unlock()
}

func newToken() (string, error) {
	buf := make([]byte, 32) // 256 bits
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
