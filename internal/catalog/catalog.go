// Package catalog exposes the static type vocabularies. The core only
// reads them; lifecycle management belongs to an external back office.
package catalog

import "context"

// EntityType classifies an entity (PERSON, INSTITUTION, ...).
type EntityType struct {
	Code        string
	Name        string
	Description string
	Active      bool
}

// DetailType is the controlled vocabulary of detail kinds (EMAIL, PHONE, ...).
type DetailType struct {
	Code        string
	Name        string
	Description string
	Active      bool
}

// Store is a read-only lookup-by-code view of the vocabularies. Lookups of
// unknown codes return sentinel.ErrNotFound.
type Store interface {
	EntityType(ctx context.Context, code string) (EntityType, error)
	DetailType(ctx context.Context, code string) (DetailType, error)
}
