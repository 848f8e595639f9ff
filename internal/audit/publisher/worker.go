package publisher

import (
	"context"
	"log/slog"

	"chronicle/internal/audit"
)

// Worker drains committed audit entries from a channel and publishes them.
// Failures are logged and dropped; the transactional audit_log row is the
// durable record, Kafka is a convenience feed.
type Worker struct {
	publisher *Publisher
	inbox     <-chan audit.Entry
	logger    *slog.Logger
}

func NewWorker(publisher *Publisher, inbox <-chan audit.Entry, logger *slog.Logger) *Worker {
	return &Worker{publisher: publisher, inbox: inbox, logger: logger}
}

func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry := <-w.inbox:
			if err := w.publisher.Publish(ctx, entry); err != nil {
				w.logger.Warn("audit fan-out failed",
					"audit_id", entry.AuditID,
					"error", err,
				)
			}
		}
	}
}
