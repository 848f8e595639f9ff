// Package scd2 implements close-and-open versioning (slowly changing
// dimension type 2) over any record type with a logical key, a validity
// interval, a current flag, and a content hash. The two concrete record
// types (entity, entity detail) instantiate the same engine.
package scd2

import (
	"context"
	"time"
)

// Validity is the half-open interval [ValidFrom, ValidTo) during which a
// version was the truth. Nil ValidTo means the version is open-ended.
type Validity struct {
	ValidFrom time.Time
	ValidTo   *time.Time
}

// Contains reports whether t falls inside the interval.
func (v Validity) Contains(t time.Time) bool {
	if t.Before(v.ValidFrom) {
		return false
	}
	return v.ValidTo == nil || t.Before(*v.ValidTo)
}

// Overlaps reports whether two intervals intersect under half-open
// semantics: touching endpoints do not overlap.
func (v Validity) Overlaps(other Validity) bool {
	if other.ValidTo != nil && !v.ValidFrom.Before(*other.ValidTo) {
		return false
	}
	if v.ValidTo != nil && !other.ValidFrom.Before(*v.ValidTo) {
		return false
	}
	return true
}

// Record is one stored version of a logical record.
type Record[K comparable] interface {
	Key() K
	ContentHash() string
	Validity() Validity
}

// RowStore persists versions of one record type. Implementations must make
// FindCurrent take a row lock when called inside a transaction, and Close
// must fail with sentinel.ErrConcurrentModification when the row it targets
// is no longer current.
type RowStore[K comparable, R Record[K]] interface {
	// FindCurrent returns the open version for key, or sentinel.ErrNotFound.
	FindCurrent(ctx context.Context, key K) (R, error)
	// FindAsOf returns the version whose interval contains at, or
	// sentinel.ErrNotFound.
	FindAsOf(ctx context.Context, key K, at time.Time) (R, error)
	// History returns every version for key ordered by valid_from ascending.
	History(ctx context.Context, key K) ([]R, error)
	// Close ends the current version at the given instant, clearing its
	// current flag.
	Close(ctx context.Context, key K, at time.Time) error
	// Insert stores a new version exactly as given.
	Insert(ctx context.Context, rec R) error
}
