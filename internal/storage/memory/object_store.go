// Package memory contains an in-memory ObjectStore for tests and local use.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Object captures one stored payload.
type Object struct {
	ContentType string
	Data        []byte
}

// ObjectStore keeps uploads in a map for inspection.
type ObjectStore struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// New returns an empty in-memory store.
func New() *ObjectStore {
	return &ObjectStore{objects: make(map[string]Object)}
}

// Put stores a copy of data and returns a mem:// URL.
func (s *ObjectStore) Put(_ context.Context, key string, contentType string, data []byte) (string, error) {
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = Object{
		ContentType: contentType,
		Data:        append([]byte(nil), data...),
	}
	return "mem://" + key, nil
}

// Delete removes the object if present.
func (s *ObjectStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

// Get returns a stored object for assertions.
func (s *ObjectStore) Get(key string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	return obj, ok
}

// Len returns the number of stored objects.
func (s *ObjectStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
