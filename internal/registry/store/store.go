// Package store persists entity and detail versions. Stores are
// interface-driven so the in-memory and PostgreSQL implementations stay
// swappable without rewiring business code.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"chronicle/internal/registry"
	"chronicle/internal/scd2"
)

// ListFilter narrows the current-entity listing.
type ListFilter struct {
	// Query matches display names case-insensitively as a substring.
	Query string
	// TypeCode restricts to one entity type.
	TypeCode string
	Limit    int
	Offset   int
}

// EntityStore persists entity versions.
type EntityStore interface {
	scd2.RowStore[uuid.UUID, registry.Entity]
	// ListCurrent returns current versions matching filter, ordered by
	// display name, plus the total match count before limit/offset.
	ListCurrent(ctx context.Context, filter ListFilter) ([]registry.Entity, int, error)
	// AllAsOf returns, for every logical key, the version valid at the
	// given instant.
	AllAsOf(ctx context.Context, at time.Time) ([]registry.Entity, error)
}

// DetailStore persists detail versions.
type DetailStore interface {
	scd2.RowStore[registry.DetailKey, registry.EntityDetail]
	// CurrentForEntity returns all current details of an entity, ordered
	// by type code.
	CurrentForEntity(ctx context.Context, entityUID uuid.UUID) ([]registry.EntityDetail, error)
	// ForEntityAsOf returns the details of an entity valid at the given
	// instant, one per type code, ordered by type code.
	ForEntityAsOf(ctx context.Context, entityUID uuid.UUID, at time.Time) ([]registry.EntityDetail, error)
	// AllAsOf returns every detail version valid at the given instant
	// across all entities.
	AllAsOf(ctx context.Context, at time.Time) ([]registry.EntityDetail, error)
	// HistoryForEntity returns every detail version of an entity across
	// all type codes, valid_from ascending.
	HistoryForEntity(ctx context.Context, entityUID uuid.UUID) ([]registry.EntityDetail, error)
}
