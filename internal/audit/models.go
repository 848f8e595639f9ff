package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Operation describes what a mutation did to a versioned table.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Table names the versioned table a mutation touched.
type Table string

const (
	TableEntity Table = "entity"
	TableDetail Table = "entity_detail"
)

// Meta is the provenance supplied by the request-handling collaborator.
// It is passed explicitly into services and the writer, never read from
// ambient state.
type Meta struct {
	Actor     string
	RequestID string
	IPAddress string
	UserAgent string
}

// Entry is one immutable audit row. Before/After hold only the business
// fields that changed: Before is nil for INSERT, After is nil for DELETE.
type Entry struct {
	AuditID    uuid.UUID
	Actor      string
	// Timestamp is the transition instant the entry documents, so a
	// window of entries replays against a window of validity intervals.
	Timestamp time.Time
	EntityUID  uuid.UUID
	Table      Table
	Operation  Operation
	DetailCode string // set only for entity_detail rows
	Before     map[string]string
	After      map[string]string
	RequestID  string
	IPAddress  string
	UserAgent  string
}

// Store persists audit entries. Append-only: nothing updates or deletes
// existing rows.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	// TrailFor returns every entry for an entity, newest first.
	TrailFor(ctx context.Context, entityUID uuid.UUID) ([]Entry, error)
	// ActivityFor returns the most recent entries recorded by an actor.
	ActivityFor(ctx context.Context, actor string, limit int) ([]Entry, error)
	// ListBetween returns entries with from < timestamp <= to, oldest first.
	ListBetween(ctx context.Context, from, to time.Time) ([]Entry, error)
}
