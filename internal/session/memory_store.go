package session

import (
	"context"
	"sync"
)

// MemoryStore keeps pseudonyms in process memory. It is used when no Redis
// URL is configured and in tests.
type MemoryStore struct {
	mu    sync.RWMutex
	names map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{names: make(map[string]string)}
}

func (s *MemoryStore) SavePseudonym(_ context.Context, callerID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[callerID] = name
	return nil
}

func (s *MemoryStore) GetPseudonym(_ context.Context, callerID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.names[callerID]
	return name, ok, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
