package httptransport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"chronicle/pkg/platform/sentinel"
)

var errMissingActor = fmt.Errorf("query parameter %q is required: %w", "actor", sentinel.ErrValidation)

type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError translates the domain sentinels into HTTP statuses. Anything
// unrecognized is a 500 with a generic message so internals never leak.
func writeError(w http.ResponseWriter, requestID string, err error) {
	status := http.StatusInternalServerError
	code := "internal"
	message := "internal error"

	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		status, code, message = http.StatusNotFound, "not_found", err.Error()
	case errors.Is(err, sentinel.ErrValidation):
		status, code, message = http.StatusBadRequest, "validation", err.Error()
	case errors.Is(err, sentinel.ErrOutOfOrder):
		status, code, message = http.StatusConflict, "out_of_order", err.Error()
	case errors.Is(err, sentinel.ErrConcurrentModification):
		status, code, message = http.StatusConflict, "concurrent_modification", err.Error()
	case errors.Is(err, sentinel.ErrConflict):
		status, code, message = http.StatusConflict, "conflict", err.Error()
	}

	writeJSON(w, status, errorBody{Error: code, Message: message, RequestID: requestID})
}
