package task

import (
	"context"
	"sync"
)

// MockArtifactStore implements the ArtifactStore interface in memory for testing
type MockArtifactStore struct {
	mutex     sync.RWMutex
	artifacts map[string]string
	ExistsFn  func(ctx context.Context, name string) (bool, error)
	WriteFn   func(ctx context.Context, name, content string) error
}

// NewMockArtifactStore creates a new MockArtifactStore with default implementations
func NewMockArtifactStore() *MockArtifactStore {
	s := &MockArtifactStore{
		artifacts: make(map[string]string),
	}

	s.ExistsFn = func(ctx context.Context, name string) (bool, error) {
		s.mutex.RLock()
		defer s.mutex.RUnlock()
		_, ok := s.artifacts[name]
		return ok, nil
	}
	s.WriteFn = func(ctx context.Context, name, content string) error {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		s.artifacts[name] = content
		return nil
	}

	return s
}

// Put seeds an artifact without going through WriteFn
func (s *MockArtifactStore) Put(name, content string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.artifacts[name] = content
}

// Get returns the content of an artifact
func (s *MockArtifactStore) Get(name string) (string, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	content, ok := s.artifacts[name]
	return content, ok
}

// Exists reports whether the artifact exists
func (s *MockArtifactStore) Exists(ctx context.Context, name string) (bool, error) {
	return s.ExistsFn(ctx, name)
}

// Write stores the artifact content
func (s *MockArtifactStore) Write(ctx context.Context, name, content string) error {
	return s.WriteFn(ctx, name, content)
}
