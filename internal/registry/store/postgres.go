package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chronicle/internal/registry"
	"chronicle/pkg/platform/sentinel"
	txcontext "chronicle/pkg/platform/tx"
)

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// EntityPostgres persists entity versions in the entity table.
type EntityPostgres struct {
	db *sql.DB
}

func NewEntityPostgres(db *sql.DB) *EntityPostgres {
	return &EntityPostgres{db: db}
}

func (s *EntityPostgres) execer(ctx context.Context) (dbExecutor, bool) {
	if tx, ok := txcontext.From(ctx); ok {
		return tx, true
	}
	return s.db, false
}

const entityColumns = `
	id, entity_uid, display_name, entity_type, content_hash,
	valid_from, valid_to, is_current, created_at, updated_at
`

// FindCurrent returns the open version. Inside a transaction the row is
// locked, which serializes concurrent transitions on the same logical key.
func (s *EntityPostgres) FindCurrent(ctx context.Context, key uuid.UUID) (registry.Entity, error) {
	execer, inTx := s.execer(ctx)
	query := `SELECT ` + entityColumns + ` FROM entity WHERE entity_uid = $1 AND is_current`
	if inTx {
		query += ` FOR UPDATE`
	}

	e, err := scanEntity(execer.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return registry.Entity{}, fmt.Errorf("entity %s: %w", key, sentinel.ErrNotFound)
		}
		return registry.Entity{}, fmt.Errorf("find current entity: %w", err)
	}
	return e, nil
}

func (s *EntityPostgres) FindAsOf(ctx context.Context, key uuid.UUID, at time.Time) (registry.Entity, error) {
	execer, _ := s.execer(ctx)
	e, err := scanEntity(execer.QueryRowContext(ctx, `
		SELECT `+entityColumns+`
		FROM entity
		WHERE entity_uid = $1
		  AND valid_from <= $2
		  AND (valid_to IS NULL OR valid_to > $2)
	`, key, at))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return registry.Entity{}, fmt.Errorf("entity %s as of %s: %w", key, at.Format(time.RFC3339Nano), sentinel.ErrNotFound)
		}
		return registry.Entity{}, fmt.Errorf("find entity as of: %w", err)
	}
	return e, nil
}

func (s *EntityPostgres) History(ctx context.Context, key uuid.UUID) ([]registry.Entity, error) {
	execer, _ := s.execer(ctx)
	rows, err := execer.QueryContext(ctx, `
		SELECT `+entityColumns+`
		FROM entity
		WHERE entity_uid = $1
		ORDER BY valid_from ASC
	`, key)
	if err != nil {
		return nil, fmt.Errorf("query entity history: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

func (s *EntityPostgres) Close(ctx context.Context, key uuid.UUID, at time.Time) error {
	execer, _ := s.execer(ctx)
	res, err := execer.ExecContext(ctx, `
		UPDATE entity
		SET valid_to = $2, is_current = FALSE, updated_at = NOW()
		WHERE entity_uid = $1 AND is_current
	`, key, at)
	if err != nil {
		return fmt.Errorf("close entity version: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close entity version: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("entity %s has no current version: %w", key, sentinel.ErrConcurrentModification)
	}
	return nil
}

func (s *EntityPostgres) Insert(ctx context.Context, rec registry.Entity) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	execer, _ := s.execer(ctx)
	_, err := execer.ExecContext(ctx, `
		INSERT INTO entity (
			id, entity_uid, display_name, entity_type, content_hash,
			valid_from, valid_to, is_current, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
	`, rec.ID, rec.EntityUID, rec.DisplayName, rec.TypeCode, rec.Hash,
		rec.ValidFrom, rec.ValidTo, rec.IsCurrent)
	if err != nil {
		return fmt.Errorf("insert entity version: %w", err)
	}
	return nil
}

func (s *EntityPostgres) ListCurrent(ctx context.Context, filter ListFilter) ([]registry.Entity, int, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	execer, _ := s.execer(ctx)
	rows, err := execer.QueryContext(ctx, `
		SELECT `+entityColumns+`, COUNT(*) OVER() AS total_count
		FROM entity
		WHERE is_current
		  AND ($1 = '' OR display_name ILIKE '%' || $1 || '%')
		  AND ($2 = '' OR entity_type = UPPER($2))
		ORDER BY LOWER(display_name) ASC
		LIMIT $3 OFFSET $4
	`, filter.Query, filter.TypeCode, limit, filter.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list current entities: %w", err)
	}
	defer rows.Close()

	var (
		out   []registry.Entity
		total int
	)
	for rows.Next() {
		var e registry.Entity
		var validTo sql.NullTime
		if err := rows.Scan(
			&e.ID, &e.EntityUID, &e.DisplayName, &e.TypeCode, &e.Hash,
			&e.ValidFrom, &validTo, &e.IsCurrent, &e.CreatedAt, &e.UpdatedAt,
			&total,
		); err != nil {
			return nil, 0, fmt.Errorf("scan entity row: %w", err)
		}
		if validTo.Valid {
			t := validTo.Time
			e.ValidTo = &t
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate entity rows: %w", err)
	}
	return out, total, nil
}

func (s *EntityPostgres) AllAsOf(ctx context.Context, at time.Time) ([]registry.Entity, error) {
	execer, _ := s.execer(ctx)
	rows, err := execer.QueryContext(ctx, `
		SELECT `+entityColumns+`
		FROM entity
		WHERE valid_from <= $1
		  AND (valid_to IS NULL OR valid_to > $1)
		ORDER BY entity_uid ASC
	`, at)
	if err != nil {
		return nil, fmt.Errorf("query entities as of: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (registry.Entity, error) {
	var e registry.Entity
	var validTo sql.NullTime
	err := row.Scan(
		&e.ID, &e.EntityUID, &e.DisplayName, &e.TypeCode, &e.Hash,
		&e.ValidFrom, &validTo, &e.IsCurrent, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return registry.Entity{}, err
	}
	if validTo.Valid {
		t := validTo.Time
		e.ValidTo = &t
	}
	return e, nil
}

func scanEntities(rows *sql.Rows) ([]registry.Entity, error) {
	var out []registry.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entity rows: %w", err)
	}
	return out, nil
}
