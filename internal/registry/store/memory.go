package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chronicle/internal/registry"
	"chronicle/pkg/platform/sentinel"
)

// EntityMemory is the in-memory entity store. Serialization of writers is
// provided by the tx.MemoryRunner wrapping every transition.
type EntityMemory struct {
	mu       sync.RWMutex
	versions map[uuid.UUID][]registry.Entity
}

func NewEntityMemory() *EntityMemory {
	return &EntityMemory{versions: make(map[uuid.UUID][]registry.Entity)}
}

func (s *EntityMemory) FindCurrent(ctx context.Context, key uuid.UUID) (registry.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.versions[key] {
		if v.IsCurrent {
			return v, nil
		}
	}
	return registry.Entity{}, fmt.Errorf("entity %s: %w", key, sentinel.ErrNotFound)
}

func (s *EntityMemory) FindAsOf(ctx context.Context, key uuid.UUID, at time.Time) (registry.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.versions[key] {
		if v.Validity().Contains(at) {
			return v, nil
		}
	}
	return registry.Entity{}, fmt.Errorf("entity %s as of %s: %w", key, at.Format(time.RFC3339Nano), sentinel.ErrNotFound)
}

func (s *EntityMemory) History(ctx context.Context, key uuid.UUID) ([]registry.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]registry.Entity(nil), s.versions[key]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ValidFrom.Before(out[j].ValidFrom) })
	return out, nil
}

func (s *EntityMemory) Close(ctx context.Context, key uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, v := range s.versions[key] {
		if v.IsCurrent {
			closedAt := at
			s.versions[key][i].ValidTo = &closedAt
			s.versions[key][i].IsCurrent = false
			s.versions[key][i].UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("entity %s has no current version: %w", key, sentinel.ErrConcurrentModification)
}

func (s *EntityMemory) Insert(ctx context.Context, rec registry.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range s.versions[rec.EntityUID] {
		if v.Validity().Overlaps(rec.Validity()) {
			return fmt.Errorf("entity %s interval overlap: %w", rec.EntityUID, sentinel.ErrConflict)
		}
		if v.IsCurrent && rec.IsCurrent {
			return fmt.Errorf("entity %s already has a current version: %w", rec.EntityUID, sentinel.ErrConflict)
		}
	}

	now := time.Now().UTC()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.versions[rec.EntityUID] = append(s.versions[rec.EntityUID], rec)
	return nil
}

func (s *EntityMemory) ListCurrent(ctx context.Context, filter ListFilter) ([]registry.Entity, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []registry.Entity
	for _, versions := range s.versions {
		for _, v := range versions {
			if !v.IsCurrent {
				continue
			}
			if filter.Query != "" && !strings.Contains(strings.ToLower(v.DisplayName), strings.ToLower(filter.Query)) {
				continue
			}
			if filter.TypeCode != "" && !strings.EqualFold(v.TypeCode, filter.TypeCode) {
				continue
			}
			matches = append(matches, v)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return strings.ToLower(matches[i].DisplayName) < strings.ToLower(matches[j].DisplayName)
	})

	total := len(matches)
	if filter.Offset > 0 {
		if filter.Offset >= len(matches) {
			matches = nil
		} else {
			matches = matches[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(matches) > filter.Limit {
		matches = matches[:filter.Limit]
	}
	return matches, total, nil
}

func (s *EntityMemory) AllAsOf(ctx context.Context, at time.Time) ([]registry.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []registry.Entity
	for _, versions := range s.versions {
		for _, v := range versions {
			if v.Validity().Contains(at) {
				out = append(out, v)
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EntityUID.String() < out[j].EntityUID.String()
	})
	return out, nil
}

// DetailMemory is the in-memory detail store.
type DetailMemory struct {
	mu       sync.RWMutex
	versions map[registry.DetailKey][]registry.EntityDetail
}

func NewDetailMemory() *DetailMemory {
	return &DetailMemory{versions: make(map[registry.DetailKey][]registry.EntityDetail)}
}

func (s *DetailMemory) FindCurrent(ctx context.Context, key registry.DetailKey) (registry.EntityDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.versions[key] {
		if v.IsCurrent {
			return v, nil
		}
	}
	return registry.EntityDetail{}, fmt.Errorf("detail %s/%s: %w", key.EntityUID, key.TypeCode, sentinel.ErrNotFound)
}

func (s *DetailMemory) FindAsOf(ctx context.Context, key registry.DetailKey, at time.Time) (registry.EntityDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.versions[key] {
		if v.Validity().Contains(at) {
			return v, nil
		}
	}
	return registry.EntityDetail{}, fmt.Errorf("detail %s/%s as of %s: %w",
		key.EntityUID, key.TypeCode, at.Format(time.RFC3339Nano), sentinel.ErrNotFound)
}

func (s *DetailMemory) History(ctx context.Context, key registry.DetailKey) ([]registry.EntityDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]registry.EntityDetail(nil), s.versions[key]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ValidFrom.Before(out[j].ValidFrom) })
	return out, nil
}

func (s *DetailMemory) Close(ctx context.Context, key registry.DetailKey, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, v := range s.versions[key] {
		if v.IsCurrent {
			closedAt := at
			s.versions[key][i].ValidTo = &closedAt
			s.versions[key][i].IsCurrent = false
			s.versions[key][i].UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("detail %s/%s has no current version: %w", key.EntityUID, key.TypeCode, sentinel.ErrConcurrentModification)
}

func (s *DetailMemory) Insert(ctx context.Context, rec registry.EntityDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rec.Key()
	for _, v := range s.versions[key] {
		if v.Validity().Overlaps(rec.Validity()) {
			return fmt.Errorf("detail %s/%s interval overlap: %w", key.EntityUID, key.TypeCode, sentinel.ErrConflict)
		}
		if v.IsCurrent && rec.IsCurrent {
			return fmt.Errorf("detail %s/%s already has a current version: %w", key.EntityUID, key.TypeCode, sentinel.ErrConflict)
		}
	}

	now := time.Now().UTC()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.versions[key] = append(s.versions[key], rec)
	return nil
}

func (s *DetailMemory) CurrentForEntity(ctx context.Context, entityUID uuid.UUID) ([]registry.EntityDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []registry.EntityDetail
	for key, versions := range s.versions {
		if key.EntityUID != entityUID {
			continue
		}
		for _, v := range versions {
			if v.IsCurrent {
				out = append(out, v)
				break
			}
		}
	}
	sortDetailsByType(out)
	return out, nil
}

func (s *DetailMemory) ForEntityAsOf(ctx context.Context, entityUID uuid.UUID, at time.Time) ([]registry.EntityDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []registry.EntityDetail
	for key, versions := range s.versions {
		if key.EntityUID != entityUID {
			continue
		}
		for _, v := range versions {
			if v.Validity().Contains(at) {
				out = append(out, v)
				break
			}
		}
	}
	sortDetailsByType(out)
	return out, nil
}

func (s *DetailMemory) AllAsOf(ctx context.Context, at time.Time) ([]registry.EntityDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []registry.EntityDetail
	for _, versions := range s.versions {
		for _, v := range versions {
			if v.Validity().Contains(at) {
				out = append(out, v)
				break
			}
		}
	}
	sortDetailsByType(out)
	return out, nil
}

func (s *DetailMemory) HistoryForEntity(ctx context.Context, entityUID uuid.UUID) ([]registry.EntityDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []registry.EntityDetail
	for key, versions := range s.versions {
		if key.EntityUID == entityUID {
			out = append(out, versions...)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ValidFrom.Before(out[j].ValidFrom) })
	return out, nil
}

func sortDetailsByType(details []registry.EntityDetail) {
	sort.SliceStable(details, func(i, j int) bool { return details[i].TypeCode < details[j].TypeCode })
}
