package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arborchat/arbor/internal/apperr"
	"github.com/arborchat/arbor/internal/coord"
	"github.com/arborchat/arbor/internal/relay"
	"github.com/arborchat/arbor/internal/session"
	"github.com/arborchat/arbor/internal/store"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	store   store.DataStore
	coord   coord.Coordinator
	session *session.Controller
	relay   *relay.Relay
	logger  zerolog.Logger
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(ds store.DataStore, cs coord.Coordinator, sc *session.Controller, rl *relay.Relay, logger zerolog.Logger) *Handler {
	return &Handler{store: ds, coord: cs, session: sc, relay: rl, logger: logger}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// AppError maps a classified error to its HTTP response. Internal errors are
// not leaked to the caller.
func (h *Handler) AppError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Msg("internal error")
		h.Error(w, status, "internal error")
		return
	}
	h.Error(w, status, err.Error())
}

// chatIDParam parses the chat id path parameter.
func chatIDParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, apperr.E(apperr.Validation, "invalid chat ID format")
	}
	return id, nil
}
