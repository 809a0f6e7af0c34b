package journal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultPerSession bounds how many entries the in-memory journal keeps for
// each session.
const DefaultPerSession = 100

// InMemoryStore keeps the newest entries per session for local/dev use.
type InMemoryStore struct {
	mu         sync.RWMutex
	perSession int
	entries    map[string][]Entry
}

func NewInMemoryStore(perSession int) *InMemoryStore {
	if perSession <= 0 {
		perSession = DefaultPerSession
	}
	return &InMemoryStore{perSession: perSession, entries: make(map[string][]Entry)}
}

func (s *InMemoryStore) Append(_ context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	arr := append(s.entries[entry.SessionID], entry)
	if over := len(arr) - s.perSession; over > 0 {
		arr = append([]Entry(nil), arr[over:]...)
	}
	s.entries[entry.SessionID] = arr
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, sessionID string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.entries[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Entry, 0, limit)
	for i := len(arr) - 1; i >= len(arr)-limit; i-- {
		out = append(out, arr[i])
	}
	return out, nil
}

// Forget drops a session's entries once the session itself is gone.
func (s *InMemoryStore) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sessionID)
}

func (s *InMemoryStore) Close() error { return nil }
