// Package memory provides a process-local session store.
package memory

import (
	"context"
	"sync"

	"github.com/xenking/gadget-pos/internal/domain/sale"
)

var _ sale.SessionStore = (*SessionStore)(nil)

// SessionStore keeps sessions in a map. Sessions are immutable values, so
// they are stored without copying.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]sale.Session
}

// NewSessionStore creates an empty SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]sale.Session)}
}

func (s *SessionStore) Load(_ context.Context, sessionID string) (sale.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[sessionID], nil
}

func (s *SessionStore) Save(_ context.Context, sessionID string, sess sale.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.Current == nil {
		delete(s.sessions, sessionID)
		return nil
	}
	s.sessions[sessionID] = sess
	return nil
}

// Len returns the number of tills with a stored session.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
