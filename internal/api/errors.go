package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/tdm-project/tdmq/internal/service"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusError maps service errors onto HTTP statuses. Internal failures are
// already logged by the service and reported without detail.
func statusError(err error) error {
	switch {
	case errors.Is(err, service.ErrValidation):
		return huma.Error400BadRequest(err.Error())
	case errors.Is(err, service.ErrUnauthorized):
		return huma.Error403Forbidden("not authorized")
	case errors.Is(err, service.ErrNotFound):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, service.ErrDuplicateItem):
		return huma.Error409Conflict(err.Error())
	}
	return huma.Error500InternalServerError("internal error")
}
