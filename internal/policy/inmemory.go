package policy

import (
	"context"
	"sync"

	"github.com/ent0n29/chimebot/internal/domain"
)

// InMemoryStore keeps settings in process memory for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	details map[domain.SessionID]Details
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{details: make(map[domain.SessionID]Details)}
}

func (s *InMemoryStore) Details(_ context.Context, session domain.SessionID) (Details, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.details[session]
	if !ok {
		return Details{}, ErrNotFound
	}
	return d, nil
}

func (s *InMemoryStore) Save(_ context.Context, d Details) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.details[d.SessionID] = d
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
