package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	txcontext "chronicle/pkg/platform/tx"
)

// Postgres persists audit entries in the audit_log table. When a transaction
// is carried in the context the append joins it, so the audit row commits or
// rolls back with the version transition it documents.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Postgres) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *Postgres) Append(ctx context.Context, entry Entry) error {
	before, err := marshalFields(entry.Before)
	if err != nil {
		return fmt.Errorf("marshal before_value: %w", err)
	}
	after, err := marshalFields(entry.After)
	if err != nil {
		return fmt.Errorf("marshal after_value: %w", err)
	}

	query := `
		INSERT INTO audit_log (
			audit_id, actor, timestamp, entity_uid, table_name, operation,
			detail_code, before_value, after_value, request_id, ip_address, user_agent
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		entry.AuditID,
		entry.Actor,
		entry.Timestamp,
		entry.EntityUID,
		string(entry.Table),
		string(entry.Operation),
		nullString(entry.DetailCode),
		before,
		after,
		nullString(entry.RequestID),
		nullString(entry.IPAddress),
		nullString(entry.UserAgent),
	)
	if err != nil {
		return fmt.Errorf("insert audit row: %w", err)
	}
	return nil
}

const selectColumns = `
	audit_id, actor, timestamp, entity_uid, table_name, operation,
	detail_code, before_value, after_value, request_id, ip_address, user_agent
`

func (s *Postgres) TrailFor(ctx context.Context, entityUID uuid.UUID) ([]Entry, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM audit_log
		WHERE entity_uid = $1
		ORDER BY timestamp DESC, seq DESC
	`, entityUID)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *Postgres) ActivityFor(ctx context.Context, actor string, limit int) ([]Entry, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM audit_log
		WHERE actor = $1
		ORDER BY timestamp DESC, seq DESC
		LIMIT $2
	`, actor, limit)
	if err != nil {
		return nil, fmt.Errorf("query actor activity: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *Postgres) ListBetween(ctx context.Context, from, to time.Time) ([]Entry, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM audit_log
		WHERE timestamp > $1 AND timestamp <= $2
		ORDER BY timestamp ASC, seq ASC
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query audit window: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			table      string
			op         string
			detailCode sql.NullString
			before     []byte
			after      []byte
			requestID  sql.NullString
			ipAddress  sql.NullString
			userAgent  sql.NullString
		)
		if err := rows.Scan(
			&e.AuditID, &e.Actor, &e.Timestamp, &e.EntityUID, &table, &op,
			&detailCode, &before, &after, &requestID, &ipAddress, &userAgent,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e.Table = Table(table)
		e.Operation = Operation(op)
		e.DetailCode = detailCode.String
		e.RequestID = requestID.String
		e.IPAddress = ipAddress.String
		e.UserAgent = userAgent.String

		var err error
		if e.Before, err = unmarshalFields(before); err != nil {
			return nil, fmt.Errorf("decode before_value: %w", err)
		}
		if e.After, err = unmarshalFields(after); err != nil {
			return nil, fmt.Errorf("decode after_value: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return out, nil
}

func marshalFields(m map[string]string) (any, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalFields(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
