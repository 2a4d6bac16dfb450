// Package session is the request-facing orchestrator: it validates
// ownership, enforces the single-writer-per-chat invariant, submits
// generation jobs and exposes cancellation.
package session

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arborchat/arbor/internal/apperr"
	"github.com/arborchat/arbor/internal/coord"
	"github.com/arborchat/arbor/internal/metrics"
	"github.com/arborchat/arbor/internal/models"
	"github.com/arborchat/arbor/internal/store"
	"github.com/arborchat/arbor/internal/worker"
)

// titleMax bounds the auto-generated title taken from the first user turn.
const titleMax = 60

// Controller coordinates submissions against the conversation store and the
// coordination store.
type Controller struct {
	store  store.DataStore
	coord  coord.Coordinator
	logger zerolog.Logger
}

// NewController creates a session controller.
func NewController(ds store.DataStore, cs coord.Coordinator, logger zerolog.Logger) *Controller {
	return &Controller{
		store:  ds,
		coord:  cs,
		logger: logger.With().Str("component", "session").Logger(),
	}
}

// SubmitRequest carries one "send message" call.
type SubmitRequest struct {
	ChatID           uuid.UUID // zero value means create a new chat
	Content          models.Content
	Model            string
	ParentID         string
	WebSearch        bool
	WebSearchResults int
}

// SubmitResult is returned on acceptance, or on conflict with the existing
// stream state attached so the caller can reattach instead of erroring.
type SubmitResult struct {
	JobID string              `json:"job_id,omitempty"`
	Chat  *models.Chat        `json:"chat,omitempty"`
	State *models.StreamState `json:"state,omitempty"`
}

// Submit validates the request, claims the per-chat stream slot and enqueues
// a generation job. It returns immediately; the caller observes progress via
// the stream endpoints.
func (c *Controller) Submit(ctx context.Context, ownerID uuid.UUID, req SubmitRequest) (*SubmitResult, error) {
	if req.Model == "" {
		return nil, apperr.E(apperr.Validation, "model is required")
	}
	if req.Content.Empty() {
		return nil, apperr.E(apperr.Validation, "content is required")
	}

	var chat *models.Chat
	var err error
	if req.ChatID == uuid.Nil {
		chat, err = c.store.CreateChat(ctx, ownerID, deriveTitle(req.Content))
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "chat creation failed", err)
		}
		metrics.ChatsCreated.Inc()
	} else {
		chat, err = c.authorize(ctx, ownerID, req.ChatID)
		if err != nil {
			return nil, err
		}
	}
	if result, err := c.claimSlot(ctx, chat); err != nil {
		return result, err
	}
	return c.enqueue(ctx, chat, req)
}

// Resend implements the edit flow: the edited message and every descendant
// are removed and generation restarts from the edit point with the new
// content. The stream slot is claimed before anything is deleted, so a
// rejected resend leaves the tree intact.
func (c *Controller) Resend(ctx context.Context, ownerID, chatID uuid.UUID, messageID string, req SubmitRequest) (*SubmitResult, error) {
	if req.Model == "" {
		return nil, apperr.E(apperr.Validation, "model is required")
	}
	if req.Content.Empty() {
		return nil, apperr.E(apperr.Validation, "content is required")
	}

	chat, err := c.authorize(ctx, ownerID, chatID)
	if err != nil {
		return nil, err
	}

	msg, err := c.store.GetMessage(ctx, chatID, messageID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "message lookup failed", err)
	}
	if msg == nil {
		return nil, apperr.E(apperr.NotFound, "message not found")
	}

	if result, err := c.claimSlot(ctx, chat); err != nil {
		return result, err
	}

	if err := c.store.DeleteMessageAndDescendants(ctx, chatID, messageID); err != nil {
		_ = c.coord.DeleteStreamState(ctx, chat.ID.String())
		return nil, apperr.Wrap(apperr.Internal, "subtree delete failed", err)
	}

	req.ChatID = chatID
	req.ParentID = msg.ParentID
	return c.enqueue(ctx, chat, req)
}

// claimSlot enforces the single-writer-per-chat invariant. On conflict the
// live state is attached so the caller can reattach instead of erroring
// opaquely.
func (c *Controller) claimSlot(ctx context.Context, chat *models.Chat) (*SubmitResult, error) {
	chatID := chat.ID.String()

	// Advisory read: it returns the live state on conflict without burning a
	// claim attempt. The claim below is what actually closes the race.
	if state, err := c.coord.GetStreamState(ctx, chatID); err == nil && state.Active() {
		metrics.SubmitConflicts.Inc()
		return &SubmitResult{Chat: chat, State: state},
			apperr.E(apperr.Conflict, "a generation is already running for this chat")
	}

	claim := &models.StreamState{ChatID: chatID, Status: models.StreamStarting}
	claimed, err := c.coord.ClaimStream(ctx, claim)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "stream claim failed", err)
	}
	if !claimed {
		state, _ := c.coord.GetStreamState(ctx, chatID)
		metrics.SubmitConflicts.Inc()
		return &SubmitResult{Chat: chat, State: state},
			apperr.E(apperr.Conflict, "a generation is already running for this chat")
	}
	return nil, nil
}

// enqueue builds the job and hands it to the queue. The caller must already
// hold the stream slot; it is released on any failure here.
func (c *Controller) enqueue(ctx context.Context, chat *models.Chat, req SubmitRequest) (*SubmitResult, error) {
	chatID := chat.ID.String()

	encoded, err := req.Content.Encode()
	if err != nil {
		_ = c.coord.DeleteStreamState(ctx, chatID)
		return nil, apperr.Wrap(apperr.Validation, "content encoding failed", err)
	}

	job := worker.NewJob()
	job.ChatID = chatID
	job.OwnerID = chat.OwnerID.String()
	job.Model = req.Model
	job.ContentType = req.Content.Type
	job.Content = encoded
	job.ParentID = req.ParentID
	job.WebSearch = req.WebSearch
	job.WebSearchResults = req.WebSearchResults

	payload, err := job.Marshal()
	if err != nil {
		_ = c.coord.DeleteStreamState(ctx, chatID)
		return nil, apperr.Wrap(apperr.Internal, "job encoding failed", err)
	}
	if err := c.coord.EnqueueJob(ctx, payload); err != nil {
		_ = c.coord.DeleteStreamState(ctx, chatID)
		return nil, apperr.Wrap(apperr.Internal, "job submission failed", err)
	}
	if err := c.coord.SetJobHandle(ctx, chatID, job.ID); err != nil {
		c.logger.Error().Err(err).Str("chat_id", chatID).Msg("job handle write failed")
	}

	metrics.JobsSubmitted.Inc()
	c.logger.Info().
		Str("job_id", job.ID).
		Str("chat_id", chatID).
		Str("model", req.Model).
		Msg("generation submitted")

	return &SubmitResult{JobID: job.ID, Chat: chat}, nil
}

// Cancel requests best-effort cancellation of the chat's in-flight job.
// Cancelling with no recorded job handle is a no-op; cancelling an already
// terminal stream does not publish a second terminal event.
func (c *Controller) Cancel(ctx context.Context, ownerID, chatID uuid.UUID) error {
	if _, err := c.authorize(ctx, ownerID, chatID); err != nil {
		return err
	}
	key := chatID.String()

	state, err := c.coord.GetStreamState(ctx, key)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "stream state read failed", err)
	}
	if state != nil && state.Status.Terminal() {
		return nil
	}

	jobID, err := c.coord.GetJobHandle(ctx, key)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "job handle read failed", err)
	}
	if jobID == "" {
		return nil
	}

	// The broadcast aborts the runner's execution context. Failure here must
	// not lose the cancellation: the state write and event append below are
	// the durable record.
	if err := c.coord.PublishCancel(ctx, key); err != nil {
		c.logger.Error().Err(err).Str("chat_id", key).Msg("cancel broadcast failed; relying on queued event")
	}

	cancelled := &models.StreamState{ChatID: key, Status: models.StreamCancelled}
	if state != nil {
		cancelled.Content = state.Content
	}
	if err := c.coord.SetStreamState(ctx, cancelled); err != nil {
		return apperr.Wrap(apperr.Internal, "cancelled state write failed", err)
	}

	ev := models.NewEvent(models.EventCancelled)
	if err := c.coord.PushEvent(ctx, key, ev); err != nil {
		c.logger.Error().Err(err).Str("chat_id", key).Msg("cancelled event append failed")
	} else {
		metrics.EventsPublished.WithLabelValues(string(models.EventCancelled)).Inc()
	}

	if err := c.coord.DeleteJobHandle(ctx, key); err != nil {
		c.logger.Error().Err(err).Str("chat_id", key).Msg("job handle delete failed")
	}

	c.logger.Info().Str("chat_id", key).Str("job_id", jobID).Msg("generation cancelled")
	return nil
}

// Status describes the chat's stream for the status endpoint.
type Status struct {
	State     *models.StreamState `json:"state,omitempty"`
	JobID     string              `json:"job_id,omitempty"`
	HasActive bool                `json:"has_active_stream"`
}

// StreamStatus returns the current stream state plus job metadata.
func (c *Controller) StreamStatus(ctx context.Context, ownerID, chatID uuid.UUID) (*Status, error) {
	if _, err := c.authorize(ctx, ownerID, chatID); err != nil {
		return nil, err
	}
	key := chatID.String()

	state, err := c.coord.GetStreamState(ctx, key)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "stream state read failed", err)
	}
	jobID, err := c.coord.GetJobHandle(ctx, key)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "job handle read failed", err)
	}

	return &Status{State: state, JobID: jobID, HasActive: state.Active()}, nil
}

// SavePartial persists client-accumulated partial content as an assistant
// message, independent of whether the worker reached a terminal state. Used
// when the user stops a stream; duplicate or divergent final content is an
// accepted edge case.
func (c *Controller) SavePartial(ctx context.Context, ownerID, chatID uuid.UUID, content models.Content, parentID string) (*models.Message, error) {
	if _, err := c.authorize(ctx, ownerID, chatID); err != nil {
		return nil, err
	}
	if content.Empty() {
		return nil, apperr.E(apperr.Validation, "content is required")
	}

	encoded, err := content.Encode()
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, "content encoding failed", err)
	}

	msg := &models.Message{
		ChatID:      chatID,
		ParentID:    parentID,
		Role:        models.RoleAssistant,
		ContentType: content.Type,
		Content:     encoded,
	}
	if err := c.store.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// authorize loads the chat and verifies ownership.
func (c *Controller) authorize(ctx context.Context, ownerID, chatID uuid.UUID) (*models.Chat, error) {
	chat, err := c.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "chat lookup failed", err)
	}
	if chat == nil {
		return nil, apperr.E(apperr.NotFound, "chat not found")
	}
	if chat.OwnerID != ownerID {
		return nil, apperr.E(apperr.Forbidden, "chat does not belong to caller")
	}
	return chat, nil
}

// deriveTitle takes the first words of the opening turn. Truncation counts
// runes so a multibyte character at the boundary is never split.
func deriveTitle(content models.Content) string {
	title := strings.TrimSpace(content.Flatten())
	title = strings.ReplaceAll(title, "\n", " ")
	if runes := []rune(title); len(runes) > titleMax {
		title = strings.TrimSpace(string(runes[:titleMax]))
	}
	if title == "" {
		title = "New chat"
	}
	return title
}
