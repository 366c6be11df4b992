// Package memory implements an in-memory blob store for tests and
// single-node development.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/capsulehub/capsuled/pkg/blob"
)

// MemoryStore is a map-backed blob.Store. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]object
}

type object struct {
	data     []byte
	metadata map[string]string
}

// New creates an empty in-memory blob store.
func New() *MemoryStore {
	return &MemoryStore{objects: make(map[string]object)}
}

// Put stores data under key.
func (s *MemoryStore) Put(_ context.Context, key string, data []byte, metadata map[string]string) error {
	cp := make([]byte, len(data))
	copy(cp, data)

	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}

	s.mu.Lock()
	s.objects[key] = object{data: cp, metadata: meta}
	s.mu.Unlock()
	return nil
}

// Get returns the payload for key.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, blob.ErrNotFound
	}
	cp := make([]byte, len(obj.data))
	copy(cp, obj.data)
	return cp, nil
}

// Head returns object info for key.
func (s *MemoryStore) Head(_ context.Context, key string) (*blob.ObjectInfo, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, blob.ErrNotFound
	}
	meta := make(map[string]string, len(obj.metadata))
	for k, v := range obj.metadata {
		meta[k] = v
	}
	return &blob.ObjectInfo{Key: key, Size: int64(len(obj.data)), Metadata: meta}, nil
}

// Delete removes a key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

// List returns sorted keys under prefix.
func (s *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of stored objects. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
