package catalog

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"chronicle/pkg/platform/sentinel"
)

// InMemory is the in-memory vocabulary store used by tests and DB-less runs.
type InMemory struct {
	mu          sync.RWMutex
	entityTypes map[string]EntityType
	detailTypes map[string]DetailType
}

func NewInMemory() *InMemory {
	return &InMemory{
		entityTypes: make(map[string]EntityType),
		detailTypes: make(map[string]DetailType),
	}
}

// SeedEntityTypes registers entity types, keyed by upper-cased code.
func (s *InMemory) SeedEntityTypes(types ...EntityType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range types {
		s.entityTypes[strings.ToUpper(t.Code)] = t
	}
}

// SeedDetailTypes registers detail types, keyed by upper-cased code.
func (s *InMemory) SeedDetailTypes(types ...DetailType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range types {
		s.detailTypes[strings.ToUpper(t.Code)] = t
	}
}

func (s *InMemory) EntityType(ctx context.Context, code string) (EntityType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.entityTypes[strings.ToUpper(code)]
	if !ok {
		return EntityType{}, fmt.Errorf("entity type %q: %w", code, sentinel.ErrNotFound)
	}
	return t, nil
}

func (s *InMemory) DetailType(ctx context.Context, code string) (DetailType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.detailTypes[strings.ToUpper(code)]
	if !ok {
		return DetailType{}, fmt.Errorf("detail type %q: %w", code, sentinel.ErrNotFound)
	}
	return t, nil
}
