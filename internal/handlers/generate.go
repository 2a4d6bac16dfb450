package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/arborchat/arbor/internal/api/middleware"
	"github.com/arborchat/arbor/internal/apperr"
	"github.com/arborchat/arbor/internal/models"
	"github.com/arborchat/arbor/internal/session"
)

// GenerateRequest represents the submit-generation request. Content is plain
// text or, when parts is set, a structured sequence.
type GenerateRequest struct {
	ChatID           string        `json:"chat_id,omitempty"`
	Content          string        `json:"content"`
	Parts            []models.Part `json:"parts,omitempty"`
	Model            string        `json:"model"`
	ParentID         string        `json:"parent_id,omitempty"`
	WebSearch        bool          `json:"web_search,omitempty"`
	WebSearchResults int           `json:"web_search_results,omitempty"`
}

// conflictResponse attaches the running stream's state to a 409 so the
// caller can reattach instead of erroring opaquely.
type conflictResponse struct {
	Error string              `json:"error"`
	Chat  *models.Chat        `json:"chat,omitempty"`
	State *models.StreamState `json:"state,omitempty"`
}

// Generate handles submitting a generation job.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	chatID := uuid.Nil
	if req.ChatID != "" {
		var err error
		chatID, err = uuid.Parse(req.ChatID)
		if err != nil {
			h.Error(w, http.StatusBadRequest, "invalid chat ID format")
			return
		}
	}

	result, err := h.session.Submit(r.Context(), userID, submitRequestFrom(chatID, req.Content, req.Parts, req.Model, req.ParentID, req.WebSearch, req.WebSearchResults))
	if err != nil {
		h.submitError(w, result, err)
		return
	}

	h.JSON(w, http.StatusAccepted, result)
}

// CancelStream handles best-effort cancellation of a chat's in-flight job.
func (h *Handler) CancelStream(w http.ResponseWriter, r *http.Request) {
	chatID, err := chatIDParam(r)
	if err != nil {
		h.AppError(w, err)
		return
	}

	userID := middleware.GetUserID(r.Context())
	if err := h.session.Cancel(r.Context(), userID, chatID); err != nil {
		h.AppError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// StreamStatus handles the stream status point read.
func (h *Handler) StreamStatus(w http.ResponseWriter, r *http.Request) {
	chatID, err := chatIDParam(r)
	if err != nil {
		h.AppError(w, err)
		return
	}

	userID := middleware.GetUserID(r.Context())
	status, err := h.session.StreamStatus(r.Context(), userID, chatID)
	if err != nil {
		h.AppError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, status)
}

// SavePartialRequest represents the client-initiated partial save.
type SavePartialRequest struct {
	Content  string `json:"content"`
	ParentID string `json:"parent_id,omitempty"`
}

// SavePartial persists the client's locally-accumulated partial content as
// an assistant message, bypassing the worker.
func (h *Handler) SavePartial(w http.ResponseWriter, r *http.Request) {
	chatID, err := chatIDParam(r)
	if err != nil {
		h.AppError(w, err)
		return
	}

	var req SavePartialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	userID := middleware.GetUserID(r.Context())
	msg, err := h.session.SavePartial(r.Context(), userID, chatID, models.TextContent(req.Content), req.ParentID)
	if err != nil {
		h.AppError(w, err)
		return
	}

	h.JSON(w, http.StatusCreated, msg)
}

// submitError writes a conflict with the existing stream state attached, or
// a plain classified error otherwise.
func (h *Handler) submitError(w http.ResponseWriter, result *session.SubmitResult, err error) {
	if apperr.Is(err, apperr.Conflict) && result != nil {
		h.JSON(w, http.StatusConflict, conflictResponse{
			Error: err.Error(),
			Chat:  result.Chat,
			State: result.State,
		})
		return
	}
	h.AppError(w, err)
}

func submitRequestFrom(chatID uuid.UUID, content string, parts []models.Part, model, parentID string, webSearch bool, webSearchResults int) session.SubmitRequest {
	c := models.TextContent(content)
	if len(parts) > 0 {
		c = models.Content{Type: models.ContentParts, Parts: parts}
	}
	return session.SubmitRequest{
		ChatID:           chatID,
		Content:          c,
		Model:            model,
		ParentID:         parentID,
		WebSearch:        webSearch,
		WebSearchResults: webSearchResults,
	}
}
