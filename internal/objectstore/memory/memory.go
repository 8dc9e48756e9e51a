// Package memory is an in-process objectstore.Store used for tests and the
// "memory" ObjectStoreConfig.Provider setting.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/orchestra-labs/agentcore/internal/objectstore"
)

type entry struct {
	data        []byte
	contentType string
}

// Store is a mutex-guarded map standing in for a real bucket.
type Store struct {
	mu      sync.RWMutex
	objects map[string]entry
}

// New constructs an empty Store.
func New() *Store {
	return &Store{objects: make(map[string]entry)}
}

func (s *Store) Put(_ context.Context, key string, data []byte, contentType string) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.mu.Lock()
	s.objects[key] = entry{data: cp, contentType: contentType}
	s.mu.Unlock()
	return nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("object %q not found", key)
	}
	return e.data, nil
}

func (s *Store) PresignGet(_ context.Context, _ string) (string, error) {
	return "", objectstore.ErrNotSupported
}

func (s *Store) PresignPut(_ context.Context, _ string, _ string) (string, error) {
	return "", objectstore.ErrNotSupported
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

var _ objectstore.Store = (*Store)(nil)
