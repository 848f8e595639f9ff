package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"chronicle/internal/platform/metrics"
)

const defaultActivityLimit = 100

// Writer appends immutable audit entries. It writes through the store so a
// caller running inside a transaction gets commit/rollback coupling for
// free: if the version transition rolls back, so does the audit row.
type Writer struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type WriterOption func(*Writer)

func WithLogger(logger *slog.Logger) WriterOption {
	return func(w *Writer) { w.logger = logger }
}

func WithMetrics(m *metrics.Metrics) WriterOption {
	return func(w *Writer) { w.metrics = m }
}

func NewWriter(store Store, opts ...WriterOption) *Writer {
	w := &Writer{store: store}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Record assigns identity and timestamp (when unset) and appends the entry.
// The returned entry carries the assigned fields.
func (w *Writer) Record(ctx context.Context, entry Entry) (Entry, error) {
	if entry.AuditID == uuid.Nil {
		entry.AuditID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	if err := w.store.Append(ctx, entry); err != nil {
		return Entry{}, fmt.Errorf("append audit entry: %w", err)
	}

	if w.metrics != nil {
		w.metrics.AuditRecords.WithLabelValues(string(entry.Operation)).Inc()
	}
	if w.logger != nil {
		w.logger.Debug("audit entry recorded",
			"audit_id", entry.AuditID,
			"entity_uid", entry.EntityUID,
			"table", entry.Table,
			"operation", entry.Operation,
		)
	}
	return entry, nil
}

// TrailFor returns the complete audit trail for an entity, newest first.
func (w *Writer) TrailFor(ctx context.Context, entityUID uuid.UUID) ([]Entry, error) {
	return w.store.TrailFor(ctx, entityUID)
}

// ActivityFor returns an actor's most recent entries, capped at limit
// (default 100).
func (w *Writer) ActivityFor(ctx context.Context, actor string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultActivityLimit
	}
	return w.store.ActivityFor(ctx, actor, limit)
}

// ListBetween exposes the store's window read for the audit-replay diff.
func (w *Writer) ListBetween(ctx context.Context, from, to time.Time) ([]Entry, error) {
	return w.store.ListBetween(ctx, from, to)
}
