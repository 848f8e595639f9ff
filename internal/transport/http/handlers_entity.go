// Package httptransport is the thin HTTP layer. Handlers decode, delegate
// to domain services, and encode; no business logic lives here.
package httptransport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"chronicle/internal/audit"
	"chronicle/internal/history"
	"chronicle/internal/registry/service"
	"chronicle/internal/registry/store"
	"chronicle/pkg/platform/sentinel"
	"chronicle/pkg/requestcontext"
)

// EntityHandler serves the entity read and write endpoints.
type EntityHandler struct {
	registry *service.Service
	composer *history.Composer
	auditor  *audit.Writer
	logger   *slog.Logger
}

func NewEntityHandler(registry *service.Service, composer *history.Composer, auditor *audit.Writer, logger *slog.Logger) *EntityHandler {
	return &EntityHandler{registry: registry, composer: composer, auditor: auditor, logger: logger}
}

func (h *EntityHandler) Register(r chi.Router) {
	r.Route("/entities", func(r chi.Router) {
		r.Post("/", h.handleCreate)
		r.Get("/", h.handleList)
		r.Route("/{uid}", func(r chi.Router) {
			r.Get("/", h.handleGetCurrent)
			r.Patch("/", h.handlePatch)
			r.Delete("/", h.handleDelete)
			r.Get("/asof", h.handleGetAsOf)
			r.Get("/history", h.handleHistory)
			r.Get("/audit", h.handleAuditTrail)
			r.Delete("/details/{code}", h.handleDeleteDetail)
		})
	})
}

// metaFrom assembles the explicit audit provenance from the values the
// middleware captured.
func metaFrom(r *http.Request) audit.Meta {
	ctx := r.Context()
	return audit.Meta{
		Actor:     requestcontext.Actor(ctx),
		RequestID: requestcontext.RequestID(ctx),
		IPAddress: requestcontext.ClientIP(ctx),
		UserAgent: requestcontext.UserAgent(ctx),
	}
}

func pathUID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "uid")
	uid, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("path parameter %q is not a uuid: %w", raw, sentinel.ErrValidation)
	}
	return uid, nil
}

func (h *EntityHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	var req createEntityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, requestID, fmt.Errorf("invalid request body: %w", sentinel.ErrValidation))
		return
	}

	view, err := h.registry.CreateEntity(ctx, service.CreateInput{
		DisplayName: req.DisplayName,
		TypeCode:    req.EntityType,
		ValidFrom:   req.ValidFrom,
		Details:     toDetailInputs(req.Details),
	}, metaFrom(r))
	if err != nil {
		h.logger.WarnContext(ctx, "create entity failed", "request_id", requestID, "error", err)
		writeError(w, requestID, err)
		return
	}

	writeJSON(w, http.StatusCreated, toEntityResponse(view.Entity, view.Details))
}

func (h *EntityHandler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	q := r.URL.Query()

	filter := store.ListFilter{
		Query:    q.Get("q"),
		TypeCode: q.Get("type"),
	}
	var err error
	if filter.Limit, err = parseIntParam(q.Get("limit"), 0); err != nil {
		writeError(w, requestID, err)
		return
	}
	if filter.Offset, err = parseIntParam(q.Get("offset"), 0); err != nil {
		writeError(w, requestID, err)
		return
	}

	entities, total, err := h.registry.List(ctx, filter)
	if err != nil {
		h.logger.ErrorContext(ctx, "list entities failed", "request_id", requestID, "error", err)
		writeError(w, requestID, err)
		return
	}

	resp := listEntitiesResponse{
		Entities: make([]entityResponse, 0, len(entities)),
		Total:    total,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	}
	for _, e := range entities {
		resp.Entities = append(resp.Entities, toEntityResponse(e, nil))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *EntityHandler) handleGetCurrent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	uid, err := pathUID(r)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	view, err := h.registry.GetCurrent(ctx, uid)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntityResponse(view.Entity, view.Details))
}

func (h *EntityHandler) handlePatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	uid, err := pathUID(r)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	var req patchEntityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, requestID, fmt.Errorf("invalid request body: %w", sentinel.ErrValidation))
		return
	}

	view, changed, err := h.registry.UpdateEntity(ctx, uid, service.Patch{
		DisplayName: req.DisplayName,
		TypeCode:    req.EntityType,
		Details:     toDetailInputs(req.Details),
	}, req.At, metaFrom(r))
	if err != nil {
		h.logger.WarnContext(ctx, "patch entity failed",
			"request_id", requestID, "entity_uid", uid, "error", err)
		writeError(w, requestID, err)
		return
	}

	writeJSON(w, http.StatusOK, updateEntityResponse{
		entityResponse: toEntityResponse(view.Entity, view.Details),
		Changed:        changed,
	})
}

func (h *EntityHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	uid, err := pathUID(r)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	at, err := parseInstant("at", r.URL.Query().Get("at"), false)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	if err := h.registry.DeleteEntity(ctx, uid, at, metaFrom(r)); err != nil {
		writeError(w, requestID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *EntityHandler) handleDeleteDetail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	uid, err := pathUID(r)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	at, err := parseInstant("at", r.URL.Query().Get("at"), false)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	if err := h.registry.DeleteDetail(ctx, uid, chi.URLParam(r, "code"), at, metaFrom(r)); err != nil {
		writeError(w, requestID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *EntityHandler) handleGetAsOf(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	uid, err := pathUID(r)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	at, err := parseInstant("at", r.URL.Query().Get("at"), true)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	view, err := h.registry.GetAsOf(ctx, uid, *at)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntityResponse(view.Entity, view.Details))
}

func (h *EntityHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	uid, err := pathUID(r)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	items, err := h.composer.CombinedHistory(ctx, uid)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity_uid": uid.String(), "versions": items})
}

func (h *EntityHandler) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	uid, err := pathUID(r)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	entries, err := h.auditor.TrailFor(ctx, uid)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entity_uid": uid.String(),
		"entries":    toAuditResponses(entries),
	})
}

func parseIntParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("query parameter %q must be a non-negative integer: %w", raw, sentinel.ErrValidation)
	}
	return n, nil
}
