package session

import (
	"sync"
	"time"
)

// Grant records that a session has an active or incoming call, so other
// surfaces can decide whether to show call controls.
type Grant struct {
	SessionID string
	Mode      CallMode
	GrantedAt time.Time
}

// GrantStore is the process-wide access-grant registry keyed by session id.
// Grants are written when a call reaches connected or incoming and cleared
// when it ends.
type GrantStore struct {
	mu     sync.RWMutex
	grants map[string]Grant
}

func NewGrantStore() *GrantStore {
	return &GrantStore{grants: make(map[string]Grant)}
}

func (s *GrantStore) Grant(sessionID string, mode CallMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[sessionID] = Grant{SessionID: sessionID, Mode: mode, GrantedAt: time.Now()}
}

func (s *GrantStore) Revoke(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants, sessionID)
}

func (s *GrantStore) Lookup(sessionID string) (Grant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[sessionID]
	return g, ok
}

func (s *GrantStore) Granted(sessionID string) bool {
	_, ok := s.Lookup(sessionID)
	return ok
}
