package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"chronicle/internal/audit"
	"chronicle/internal/temporal"
	"chronicle/pkg/requestcontext"
)

// TemporalHandler serves the point-in-time and range endpoints plus the
// actor activity listing.
type TemporalHandler struct {
	temporal *temporal.Service
	auditor  *audit.Writer
	logger   *slog.Logger
}

func NewTemporalHandler(t *temporal.Service, auditor *audit.Writer, logger *slog.Logger) *TemporalHandler {
	return &TemporalHandler{temporal: t, auditor: auditor, logger: logger}
}

func (h *TemporalHandler) Register(r chi.Router) {
	r.Route("/temporal", func(r chi.Router) {
		r.Get("/snapshot", h.handleSnapshot)
		r.Get("/diff", h.handleDiff)
		r.Get("/diff/{uid}", h.handleDiffEntity)
	})
	r.Get("/audit/activity", h.handleActivity)
}

func (h *TemporalHandler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	at, err := parseInstant("as_of", r.URL.Query().Get("as_of"), true)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	snapshots, err := h.temporal.SnapshotAt(ctx, *at)
	if err != nil {
		h.logger.ErrorContext(ctx, "snapshot failed", "request_id", requestID, "error", err)
		writeError(w, requestID, err)
		return
	}

	entities := make([]entityResponse, 0, len(snapshots))
	for _, snap := range snapshots {
		entities = append(entities, toEntityResponse(snap.Entity, snap.Details))
	}
	writeJSON(w, http.StatusOK, map[string]any{"as_of": at, "entities": entities})
}

func (h *TemporalHandler) handleDiff(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	q := r.URL.Query()

	from, err := parseInstant("from", q.Get("from"), true)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	to, err := parseInstant("to", q.Get("to"), true)
	if err != nil {
		writeError(w, requestID, err)
		return
	}

	var diff temporal.Diff
	// source=audit selects the replay strategy; the result is identical.
	if q.Get("source") == "audit" {
		diff, err = h.temporal.DiffFromAudit(ctx, *from, *to)
	} else {
		diff, err = h.temporal.DiffRange(ctx, *from, *to)
	}
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

func (h *TemporalHandler) handleDiffEntity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	q := r.URL.Query()

	uid, err := pathUID(r)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	from, err := parseInstant("from", q.Get("from"), true)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	to, err := parseInstant("to", q.Get("to"), true)
	if err != nil {
		writeError(w, requestID, err)
		return
	}

	diff, err := h.temporal.DiffEntity(ctx, uid, *from, *to)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

func (h *TemporalHandler) handleActivity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	q := r.URL.Query()

	actor := q.Get("actor")
	if actor == "" {
		writeError(w, requestID, errMissingActor)
		return
	}
	limit, err := parseIntParam(q.Get("limit"), 0)
	if err != nil {
		writeError(w, requestID, err)
		return
	}

	entries, err := h.auditor.ActivityFor(ctx, actor, limit)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"actor":   actor,
		"entries": toAuditResponses(entries),
	})
}
