package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/arborchat/arbor/internal/api/middleware"
	"github.com/arborchat/arbor/internal/apperr"
	"github.com/arborchat/arbor/internal/metrics"
	"github.com/arborchat/arbor/internal/models"
)

// CreateChatRequest represents the chat creation request.
type CreateChatRequest struct {
	Title string `json:"title"`
}

// ChatResponse represents a chat with its messages.
type ChatResponse struct {
	Chat     *models.Chat     `json:"chat"`
	Messages []models.Message `json:"messages"`
}

// ChatListResponse represents the chat list response.
type ChatListResponse struct {
	Chats []models.Chat `json:"chats"`
}

// CreateChat handles explicit chat creation (a submission with no chat id
// also creates one).
func (h *Handler) CreateChat(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req CreateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "New chat"
	}

	chat, err := h.store.CreateChat(r.Context(), userID, title)
	if err != nil {
		h.AppError(w, err)
		return
	}

	metrics.ChatsCreated.Inc()
	h.JSON(w, http.StatusCreated, chat)
}

// ListChats handles listing the caller's chats.
func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	limit := 50
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
	}
	if limit > 200 {
		limit = 200
	}
	offset := 0
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		offset = o
	}

	chats, err := h.store.ListChats(r.Context(), userID, limit, offset)
	if err != nil {
		h.AppError(w, err)
		return
	}
	if chats == nil {
		chats = []models.Chat{}
	}

	h.JSON(w, http.StatusOK, ChatListResponse{Chats: chats})
}

// GetChat handles fetching a chat with its messages.
func (h *Handler) GetChat(w http.ResponseWriter, r *http.Request) {
	chat, err := h.ownedChat(r)
	if err != nil {
		h.AppError(w, err)
		return
	}

	messages, err := h.store.ListMessages(r.Context(), chat.ID)
	if err != nil {
		h.AppError(w, err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}

	h.JSON(w, http.StatusOK, ChatResponse{Chat: chat, Messages: messages})
}

// ListChatMessages handles fetching a chat's messages in creation order.
func (h *Handler) ListChatMessages(w http.ResponseWriter, r *http.Request) {
	chat, err := h.ownedChat(r)
	if err != nil {
		h.AppError(w, err)
		return
	}

	messages, err := h.store.ListMessages(r.Context(), chat.ID)
	if err != nil {
		h.AppError(w, err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}

	h.JSON(w, http.StatusOK, map[string][]models.Message{"messages": messages})
}

// RenameChatRequest represents the rename request.
type RenameChatRequest struct {
	Title string `json:"title"`
}

// RenameChat handles renaming a chat.
func (h *Handler) RenameChat(w http.ResponseWriter, r *http.Request) {
	chat, err := h.ownedChat(r)
	if err != nil {
		h.AppError(w, err)
		return
	}

	var req RenameChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		h.Error(w, http.StatusBadRequest, "title is required")
		return
	}

	if err := h.store.RenameChat(r.Context(), chat.ID, title); err != nil {
		h.AppError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, map[string]string{"id": chat.ID.String(), "title": title})
}

// DeleteChat handles deleting a chat and its messages.
func (h *Handler) DeleteChat(w http.ResponseWriter, r *http.Request) {
	chat, err := h.ownedChat(r)
	if err != nil {
		h.AppError(w, err)
		return
	}

	if err := h.store.DeleteChat(r.Context(), chat.ID); err != nil {
		h.AppError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// VisibilityRequest represents the share-visibility request.
type VisibilityRequest struct {
	Public bool `json:"public"`
}

// SetVisibility handles flipping a chat's public flag. The share token is
// issued at creation and never changes.
func (h *Handler) SetVisibility(w http.ResponseWriter, r *http.Request) {
	chat, err := h.ownedChat(r)
	if err != nil {
		h.AppError(w, err)
		return
	}

	var req VisibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := h.store.SetChatVisibility(r.Context(), chat.ID, req.Public); err != nil {
		h.AppError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, map[string]any{
		"id":          chat.ID.String(),
		"public":      req.Public,
		"share_token": chat.ShareToken,
	})
}

// GetSharedChat handles unauthenticated reads via share token; the chat must
// be public.
func (h *Handler) GetSharedChat(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	chat, err := h.store.GetChatByShareToken(r.Context(), token)
	if err != nil {
		h.AppError(w, err)
		return
	}
	if chat == nil || !chat.Public {
		h.Error(w, http.StatusNotFound, "chat not found")
		return
	}

	messages, err := h.store.ListMessages(r.Context(), chat.ID)
	if err != nil {
		h.AppError(w, err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}

	h.JSON(w, http.StatusOK, ChatResponse{Chat: chat, Messages: messages})
}

// BranchChatRequest represents the branch request.
type BranchChatRequest struct {
	MessageID string `json:"message_id"`
}

// BranchChat handles copying the ancestor chain up to the branch point into
// a new chat.
func (h *Handler) BranchChat(w http.ResponseWriter, r *http.Request) {
	chat, err := h.ownedChat(r)
	if err != nil {
		h.AppError(w, err)
		return
	}

	var req BranchChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.MessageID == "" {
		h.Error(w, http.StatusBadRequest, "message_id is required")
		return
	}

	userID := middleware.GetUserID(r.Context())
	branched, err := h.store.BranchChat(r.Context(), chat.ID, req.MessageID, userID)
	if err != nil {
		h.AppError(w, err)
		return
	}

	metrics.ChatsBranched.Inc()
	h.JSON(w, http.StatusCreated, branched)
}

// EditMessageRequest represents the edit request: the edited message and its
// descendants are deleted and generation restarts from the edit point.
type EditMessageRequest struct {
	Content          string        `json:"content"`
	Parts            []models.Part `json:"parts,omitempty"`
	Model            string        `json:"model"`
	WebSearch        bool          `json:"web_search,omitempty"`
	WebSearchResults int           `json:"web_search_results,omitempty"`
}

// EditMessage handles the edit flow: delete-subtree plus resend. The session
// controller validates and claims the stream slot before deleting, so a
// rejected edit never destroys the subtree.
func (h *Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	chatID, err := chatIDParam(r)
	if err != nil {
		h.AppError(w, err)
		return
	}
	messageID := chi.URLParam(r, "messageID")

	var req EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	userID := middleware.GetUserID(r.Context())
	result, err := h.session.Resend(r.Context(), userID, chatID, messageID,
		submitRequestFrom(chatID, req.Content, req.Parts, req.Model, "", req.WebSearch, req.WebSearchResults))
	if err != nil {
		h.submitError(w, result, err)
		return
	}

	h.JSON(w, http.StatusAccepted, result)
}

// ownedChat loads the chat from the path and verifies the caller owns it.
func (h *Handler) ownedChat(r *http.Request) (*models.Chat, error) {
	chatID, err := chatIDParam(r)
	if err != nil {
		return nil, err
	}

	chat, err := h.store.GetChat(r.Context(), chatID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "chat lookup failed", err)
	}
	if chat == nil {
		return nil, apperr.E(apperr.NotFound, "chat not found")
	}

	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		return nil, apperr.E(apperr.Unauthorized, "authentication required")
	}
	if chat.OwnerID != userID {
		return nil, apperr.E(apperr.Forbidden, "chat does not belong to caller")
	}
	return chat, nil
}
