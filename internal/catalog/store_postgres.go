package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"chronicle/pkg/platform/sentinel"
)

// Postgres reads the vocabulary tables. Codes are stored upper-cased.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) EntityType(ctx context.Context, code string) (EntityType, error) {
	var t EntityType
	err := s.db.QueryRowContext(ctx, `
		SELECT code, name, description, is_active
		FROM entity_type
		WHERE code = UPPER($1)
	`, code).Scan(&t.Code, &t.Name, &t.Description, &t.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return EntityType{}, fmt.Errorf("entity type %q: %w", code, sentinel.ErrNotFound)
		}
		return EntityType{}, fmt.Errorf("find entity type: %w", err)
	}
	return t, nil
}

func (s *Postgres) DetailType(ctx context.Context, code string) (DetailType, error) {
	var t DetailType
	err := s.db.QueryRowContext(ctx, `
		SELECT code, name, description, is_active
		FROM detail_type
		WHERE code = UPPER($1)
	`, code).Scan(&t.Code, &t.Name, &t.Description, &t.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DetailType{}, fmt.Errorf("detail type %q: %w", code, sentinel.ErrNotFound)
		}
		return DetailType{}, fmt.Errorf("find detail type: %w", err)
	}
	return t, nil
}
