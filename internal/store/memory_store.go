package store

import (
	"context"
	"encoding/json"
	"sync"

	"dukapos-offline-core/internal/domain"
)

// MemoryStore is a thread-safe in-memory Store used by tests and ephemeral
// runs. FailWrites, when set, makes every Set fail so callers can exercise
// storage-failure paths.
type MemoryStore struct {
	mu         sync.RWMutex
	data       map[string]json.RawMessage
	FailWrites error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]json.RawMessage),
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string, dest interface{}) error {
	s.mu.RLock()
	raw, ok := s.data[key]
	s.mu.RUnlock()

	if !ok {
		return ErrNotFound
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		return &domain.StorageError{Op: "get", Key: key, Err: err}
	}
	return nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWrites != nil {
		return &domain.StorageError{Op: "set", Key: key, Err: s.FailWrites}
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return &domain.StorageError{Op: "set", Key: key, Err: err}
	}

	s.data[key] = raw
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

// Len reports the number of stored keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
