package kv

import (
	"context"
	"maps"
	"strings"
	"sync"
)

// Store is the persistence boundary the SDK writes through. Implementations
// must be safe for concurrent use. The SDK treats the store as a flat,
// crash-consistent string map; it never relies on ordering or transactions.
type Store interface {
	// Get returns the value for key. The second return value reports whether
	// the key was present; a missing key is not an error.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value under key, overwriting any previous value.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error

	// Keys returns all keys starting with prefix. An empty prefix returns
	// every key.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// MemoryStore is an in-memory Store implementation. It is the default store
// for clients constructed without an explicit one and is used throughout the
// test suites.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, ErrEmptyKey
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Snapshot returns a copy of the current contents. Intended for tests.
func (s *MemoryStore) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.values)
}
