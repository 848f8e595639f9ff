// Package history flattens an entity's full version timeline: every entity
// version and every detail version, interleaved in validity order.
package history

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"chronicle/internal/registry"
	"chronicle/internal/registry/store"
	"chronicle/pkg/platform/sentinel"
)

// Kind tags which table a timeline item came from.
type Kind string

const (
	KindEntity Kind = "entity"
	KindDetail Kind = "entity_detail"
)

// Item is one version row in the combined timeline. Exactly one of Entity
// and Detail is set, matching Kind.
type Item struct {
	Kind       Kind                   `json:"kind"`
	DetailCode string                 `json:"detail_code,omitempty"`
	ValidFrom  time.Time              `json:"valid_from"`
	ValidTo    *time.Time             `json:"valid_to,omitempty"`
	IsCurrent  bool                   `json:"is_current"`
	Entity     *registry.Entity       `json:"entity,omitempty"`
	Detail     *registry.EntityDetail `json:"detail,omitempty"`
}

// Composer assembles combined timelines from the two version stores.
type Composer struct {
	entities store.EntityStore
	details  store.DetailStore
}

func NewComposer(entities store.EntityStore, details store.DetailStore) *Composer {
	return &Composer{entities: entities, details: details}
}

// CombinedHistory returns every version of the entity and of all its
// details, sorted by valid_from ascending. Ties order entity versions
// before detail versions, then by detail code. An entity with no versions
// at all yields sentinel.ErrNotFound.
func (c *Composer) CombinedHistory(ctx context.Context, uid uuid.UUID) ([]Item, error) {
	entityVersions, err := c.entities.History(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("entity history for %s: %w", uid, err)
	}
	if len(entityVersions) == 0 {
		return nil, fmt.Errorf("entity %s: %w", uid, sentinel.ErrNotFound)
	}
	detailVersions, err := c.details.HistoryForEntity(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("detail history for %s: %w", uid, err)
	}

	items := make([]Item, 0, len(entityVersions)+len(detailVersions))
	for i := range entityVersions {
		e := entityVersions[i]
		items = append(items, Item{
			Kind:      KindEntity,
			ValidFrom: e.ValidFrom,
			ValidTo:   e.ValidTo,
			IsCurrent: e.IsCurrent,
			Entity:    &e,
		})
	}
	for i := range detailVersions {
		d := detailVersions[i]
		items = append(items, Item{
			Kind:       KindDetail,
			DetailCode: d.TypeCode,
			ValidFrom:  d.ValidFrom,
			ValidTo:    d.ValidTo,
			IsCurrent:  d.IsCurrent,
			Detail:     &d,
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.ValidFrom.Equal(b.ValidFrom) {
			return a.ValidFrom.Before(b.ValidFrom)
		}
		if a.Kind != b.Kind {
			return a.Kind == KindEntity
		}
		return a.DetailCode < b.DetailCode
	})
	return items, nil
}
