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

// DetailPostgres persists detail versions in the entity_detail table.
type DetailPostgres struct {
	db *sql.DB
}

func NewDetailPostgres(db *sql.DB) *DetailPostgres {
	return &DetailPostgres{db: db}
}

func (s *DetailPostgres) execer(ctx context.Context) (dbExecutor, bool) {
	if tx, ok := txcontext.From(ctx); ok {
		return tx, true
	}
	return s.db, false
}

const detailColumns = `
	id, entity_uid, detail_type, detail_value, content_hash,
	valid_from, valid_to, is_current, created_at, updated_at
`

func (s *DetailPostgres) FindCurrent(ctx context.Context, key registry.DetailKey) (registry.EntityDetail, error) {
	execer, inTx := s.execer(ctx)
	query := `SELECT ` + detailColumns + ` FROM entity_detail WHERE entity_uid = $1 AND detail_type = $2 AND is_current`
	if inTx {
		query += ` FOR UPDATE`
	}

	d, err := scanDetail(execer.QueryRowContext(ctx, query, key.EntityUID, key.TypeCode))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return registry.EntityDetail{}, fmt.Errorf("detail %s/%s: %w", key.EntityUID, key.TypeCode, sentinel.ErrNotFound)
		}
		return registry.EntityDetail{}, fmt.Errorf("find current detail: %w", err)
	}
	return d, nil
}

func (s *DetailPostgres) FindAsOf(ctx context.Context, key registry.DetailKey, at time.Time) (registry.EntityDetail, error) {
	execer, _ := s.execer(ctx)
	d, err := scanDetail(execer.QueryRowContext(ctx, `
		SELECT `+detailColumns+`
		FROM entity_detail
		WHERE entity_uid = $1
		  AND detail_type = $2
		  AND valid_from <= $3
		  AND (valid_to IS NULL OR valid_to > $3)
	`, key.EntityUID, key.TypeCode, at))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return registry.EntityDetail{}, fmt.Errorf("detail %s/%s as of %s: %w",
				key.EntityUID, key.TypeCode, at.Format(time.RFC3339Nano), sentinel.ErrNotFound)
		}
		return registry.EntityDetail{}, fmt.Errorf("find detail as of: %w", err)
	}
	return d, nil
}

func (s *DetailPostgres) History(ctx context.Context, key registry.DetailKey) ([]registry.EntityDetail, error) {
	execer, _ := s.execer(ctx)
	rows, err := execer.QueryContext(ctx, `
		SELECT `+detailColumns+`
		FROM entity_detail
		WHERE entity_uid = $1 AND detail_type = $2
		ORDER BY valid_from ASC
	`, key.EntityUID, key.TypeCode)
	if err != nil {
		return nil, fmt.Errorf("query detail history: %w", err)
	}
	defer rows.Close()
	return scanDetails(rows)
}

func (s *DetailPostgres) Close(ctx context.Context, key registry.DetailKey, at time.Time) error {
	execer, _ := s.execer(ctx)
	res, err := execer.ExecContext(ctx, `
		UPDATE entity_detail
		SET valid_to = $3, is_current = FALSE, updated_at = NOW()
		WHERE entity_uid = $1 AND detail_type = $2 AND is_current
	`, key.EntityUID, key.TypeCode, at)
	if err != nil {
		return fmt.Errorf("close detail version: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close detail version: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("detail %s/%s has no current version: %w", key.EntityUID, key.TypeCode, sentinel.ErrConcurrentModification)
	}
	return nil
}

func (s *DetailPostgres) Insert(ctx context.Context, rec registry.EntityDetail) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	execer, _ := s.execer(ctx)
	_, err := execer.ExecContext(ctx, `
		INSERT INTO entity_detail (
			id, entity_uid, detail_type, detail_value, content_hash,
			valid_from, valid_to, is_current, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
	`, rec.ID, rec.EntityUID, rec.TypeCode, rec.Value, rec.Hash,
		rec.ValidFrom, rec.ValidTo, rec.IsCurrent)
	if err != nil {
		return fmt.Errorf("insert detail version: %w", err)
	}
	return nil
}

func (s *DetailPostgres) CurrentForEntity(ctx context.Context, entityUID uuid.UUID) ([]registry.EntityDetail, error) {
	execer, _ := s.execer(ctx)
	rows, err := execer.QueryContext(ctx, `
		SELECT `+detailColumns+`
		FROM entity_detail
		WHERE entity_uid = $1 AND is_current
		ORDER BY detail_type ASC
	`, entityUID)
	if err != nil {
		return nil, fmt.Errorf("query current details: %w", err)
	}
	defer rows.Close()
	return scanDetails(rows)
}

func (s *DetailPostgres) ForEntityAsOf(ctx context.Context, entityUID uuid.UUID, at time.Time) ([]registry.EntityDetail, error) {
	execer, _ := s.execer(ctx)
	rows, err := execer.QueryContext(ctx, `
		SELECT `+detailColumns+`
		FROM entity_detail
		WHERE entity_uid = $1
		  AND valid_from <= $2
		  AND (valid_to IS NULL OR valid_to > $2)
		ORDER BY detail_type ASC
	`, entityUID, at)
	if err != nil {
		return nil, fmt.Errorf("query details as of: %w", err)
	}
	defer rows.Close()
	return scanDetails(rows)
}

func (s *DetailPostgres) AllAsOf(ctx context.Context, at time.Time) ([]registry.EntityDetail, error) {
	execer, _ := s.execer(ctx)
	rows, err := execer.QueryContext(ctx, `
		SELECT `+detailColumns+`
		FROM entity_detail
		WHERE valid_from <= $1
		  AND (valid_to IS NULL OR valid_to > $1)
		ORDER BY entity_uid ASC, detail_type ASC
	`, at)
	if err != nil {
		return nil, fmt.Errorf("query all details as of: %w", err)
	}
	defer rows.Close()
	return scanDetails(rows)
}

func (s *DetailPostgres) HistoryForEntity(ctx context.Context, entityUID uuid.UUID) ([]registry.EntityDetail, error) {
	execer, _ := s.execer(ctx)
	rows, err := execer.QueryContext(ctx, `
		SELECT `+detailColumns+`
		FROM entity_detail
		WHERE entity_uid = $1
		ORDER BY valid_from ASC
	`, entityUID)
	if err != nil {
		return nil, fmt.Errorf("query detail history: %w", err)
	}
	defer rows.Close()
	return scanDetails(rows)
}

func scanDetail(row rowScanner) (registry.EntityDetail, error) {
	var d registry.EntityDetail
	var validTo sql.NullTime
	err := row.Scan(
		&d.ID, &d.EntityUID, &d.TypeCode, &d.Value, &d.Hash,
		&d.ValidFrom, &validTo, &d.IsCurrent, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return registry.EntityDetail{}, err
	}
	if validTo.Valid {
		t := validTo.Time
		d.ValidTo = &t
	}
	return d, nil
}

func scanDetails(rows *sql.Rows) ([]registry.EntityDetail, error) {
	var out []registry.EntityDetail
	for rows.Next() {
		d, err := scanDetail(rows)
		if err != nil {
			return nil, fmt.Errorf("scan detail row: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate detail rows: %w", err)
	}
	return out, nil
}
