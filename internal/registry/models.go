// Package registry holds the two concrete versioned record types: Entity
// and EntityDetail. Both are plain rows; a logical record is the set of
// rows sharing a logical key.
package registry

import (
	"time"

	"github.com/google/uuid"

	"chronicle/internal/scd2"
	"chronicle/pkg/platform/hash"
)

// Entity is one version of a named thing. EntityUID is the logical
// identity; ID is only the storage key of this version row.
type Entity struct {
	ID          uuid.UUID
	EntityUID   uuid.UUID
	DisplayName string
	TypeCode    string
	Hash        string
	ValidFrom   time.Time
	ValidTo     *time.Time
	IsCurrent   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (e Entity) Key() uuid.UUID      { return e.EntityUID }
func (e Entity) ContentHash() string { return e.Hash }
func (e Entity) Validity() scd2.Validity {
	return scd2.Validity{ValidFrom: e.ValidFrom, ValidTo: e.ValidTo}
}

// DetailKey identifies one logical detail: a detail type attached to an
// entity. The back-reference is a lookup key, not row-level ownership.
type DetailKey struct {
	EntityUID uuid.UUID
	TypeCode  string
}

// EntityDetail is one version of one typed attribute of one entity.
type EntityDetail struct {
	ID        uuid.UUID
	EntityUID uuid.UUID
	TypeCode  string
	Value     string
	Hash      string
	ValidFrom time.Time
	ValidTo   *time.Time
	IsCurrent bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (d EntityDetail) Key() DetailKey {
	return DetailKey{EntityUID: d.EntityUID, TypeCode: d.TypeCode}
}
func (d EntityDetail) ContentHash() string { return d.Hash }
func (d EntityDetail) Validity() scd2.Validity {
	return scd2.Validity{ValidFrom: d.ValidFrom, ValidTo: d.ValidTo}
}

// EntityHash digests the entity's business fields. Timestamps, validity,
// and identity never feed the hash.
func EntityHash(displayName, typeCode string) string {
	return hash.Compute(displayName, typeCode)
}

// DetailHash digests a detail's business fields.
func DetailHash(value, typeCode string) string {
	return hash.Compute(value, typeCode)
}
