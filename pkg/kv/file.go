package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore persists the key-value map as a single JSON file. Writes go
// through a temp file followed by rename, so a crash mid-write leaves the
// previous file intact rather than a truncated one.
type FileStore struct {
	path   string
	mu     sync.Mutex
	values map[string]string
}

// NewFileStore loads (or creates) the store file at path. A missing file is
// treated as an empty store; a corrupt file is an error so callers can decide
// whether to discard it.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}

	s := &FileStore{path: path, values: make(map[string]string)}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, errors.Join(ErrStoreUnavailable, err)
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.values); err != nil {
			return nil, fmt.Errorf("kv: corrupt store file %s: %w", path, err)
		}
	}
	return s, nil
}

func (s *FileStore) Get(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *FileStore) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return s.persist()
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok {
		return nil
	}
	delete(s.values, key)
	return s.persist()
}

func (s *FileStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// persist writes the full map atomically. Caller must hold s.mu.
func (s *FileStore) persist() error {
	data, err := json.Marshal(s.values)
	if err != nil {
		return fmt.Errorf("kv: marshal store: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".flagkit-*.tmp")
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Join(ErrStoreUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Join(ErrStoreUnavailable, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}
