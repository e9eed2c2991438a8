package session

import (
	"sync"
	"time"
)

// Store holds the tenant to session mapping. Implementations must be safe
// for concurrent use across tenants.
type Store interface {
	Get(tenant string) (Session, bool)
	Put(s Session)
	Delete(tenant string)
	Touch(tenant string, at time.Time)
	List() []Session
}

type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (s *MemoryStore) Get(tenant string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[tenant]
	return sess, ok
}

func (s *MemoryStore) Put(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.Tenant] = sess
}

func (s *MemoryStore) Delete(tenant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, tenant)
}

func (s *MemoryStore) Touch(tenant string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[tenant]; ok {
		sess.LastUsed = at
		s.sessions[tenant] = sess
	}
}

func (s *MemoryStore) List() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}
