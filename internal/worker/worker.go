// Package worker runs generation jobs: it calls the model capability,
// publishes progress events and persists the final assistant message.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arborchat/arbor/internal/apperr"
	"github.com/arborchat/arbor/internal/blob"
	"github.com/arborchat/arbor/internal/coord"
	"github.com/arborchat/arbor/internal/metrics"
	"github.com/arborchat/arbor/internal/models"
	"github.com/arborchat/arbor/internal/provider"
	"github.com/arborchat/arbor/internal/store"
)

// DefaultChunkDelay paces chunk publishing to bound event-channel throughput.
const DefaultChunkDelay = 25 * time.Millisecond

// Worker executes one generation job at a time. State transitions:
// starting -> processing -> streaming* -> completed, with error and
// cancelled reachable from any non-terminal state.
type Worker struct {
	store      store.DataStore
	coord      coord.Coordinator
	provider   provider.Provider
	blobs      blob.Store
	logger     zerolog.Logger
	chunkDelay time.Duration
}

// New creates a worker. chunkDelay <= 0 selects the default pacing.
func New(ds store.DataStore, cs coord.Coordinator, p provider.Provider, blobs blob.Store, logger zerolog.Logger, chunkDelay time.Duration) *Worker {
	if chunkDelay <= 0 {
		chunkDelay = DefaultChunkDelay
	}
	return &Worker{
		store:      ds,
		coord:      cs,
		provider:   p,
		blobs:      blobs,
		logger:     logger.With().Str("component", "worker").Logger(),
		chunkDelay: chunkDelay,
	}
}

// Run executes the job to a terminal state. The returned error surfaces the
// failure to the runner; the worker never retries on its own, since partial
// content already streamed must not be duplicated.
func (w *Worker) Run(ctx context.Context, job *Job) error {
	chatID, err := uuid.Parse(job.ChatID)
	if err != nil {
		return w.fail(ctx, job, "", apperr.Wrap(apperr.Validation, "invalid chat id", err))
	}
	ownerID, err := uuid.Parse(job.OwnerID)
	if err != nil {
		return w.fail(ctx, job, "", apperr.Wrap(apperr.Validation, "invalid owner id", err))
	}

	// Ownership re-check. The queue payload is not trusted: the worker may run
	// in a different process than the controller that submitted the job.
	chat, err := w.store.GetChat(ctx, chatID)
	if err != nil {
		return w.fail(ctx, job, "", apperr.Wrap(apperr.Internal, "chat lookup failed", err))
	}
	if chat == nil {
		return w.fail(ctx, job, "", apperr.E(apperr.NotFound, "chat not found"))
	}
	if chat.OwnerID != ownerID {
		return w.fail(ctx, job, "", apperr.E(apperr.Forbidden, "chat does not belong to caller"))
	}

	w.setStatus(ctx, job.ChatID, models.StreamProcessing, "")

	content, err := models.DecodeContent(job.ContentType, job.Content)
	if err != nil {
		return w.fail(ctx, job, "", apperr.Wrap(apperr.Validation, "invalid content payload", err))
	}

	// Insert the user turn unless the submission pre-created it. Its id
	// becomes the parent of the assistant message and must be captured by any
	// reconnecting reader.
	parentID := job.ParentID
	userMsgID := job.UserMessageID
	if userMsgID == "" && !content.Empty() {
		userMsg := &models.Message{
			ChatID:      chatID,
			ParentID:    job.ParentID,
			Role:        models.RoleUser,
			ContentType: job.ContentType,
			Content:     job.Content,
		}
		if err := w.store.InsertMessage(ctx, userMsg); err != nil {
			return w.fail(ctx, job, "", err)
		}
		userMsgID = userMsg.ID

		ev := models.NewEvent(models.EventUserMessageCreated)
		ev.MessageID = userMsg.ID
		w.publish(ctx, job.ChatID, ev)
	}
	if userMsgID != "" {
		parentID = userMsgID
	}

	if w.provider.IsImageModel(job.Model) {
		return w.runImage(ctx, job, chatID, content, parentID, userMsgID)
	}
	return w.runText(ctx, job, chatID, parentID, userMsgID)
}

// runText streams a text generation, accumulating chunks into the stream
// state and publishing each increment.
func (w *Worker) runText(ctx context.Context, job *Job, chatID uuid.UUID, parentID, userMsgID string) error {
	history, err := w.buildHistory(ctx, chatID, parentID)
	if err != nil {
		return w.fail(ctx, job, "", err)
	}

	total := ""
	err = w.provider.StreamChat(ctx, provider.ChatRequest{
		Model:            job.Model,
		History:          history,
		WebSearch:        job.WebSearch,
		WebSearchResults: job.WebSearchResults,
	}, func(d provider.Delta) error {
		if d.ToolName != "" {
			if d.ToolName == provider.WebSearchToolName {
				ev := models.NewEvent(models.EventToolCall)
				ev.ToolName = d.ToolName
				ev.ToolArgs = d.ToolArgs
				w.publish(ctx, job.ChatID, ev)
			}
			return nil
		}
		if d.Text == "" {
			return nil
		}

		total += d.Text
		w.setStreaming(ctx, job.ChatID, total)

		ev := models.NewEvent(models.EventChunk)
		ev.Delta = d.Text
		ev.Content = total
		w.publish(ctx, job.ChatID, ev)
		metrics.ChunksPublished.Inc()

		// Inter-chunk pacing bounds event-channel throughput.
		select {
		case <-time.After(w.chunkDelay):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		return w.fail(ctx, job, total, err)
	}

	assistant := &models.Message{
		ChatID:      chatID,
		ParentID:    parentID,
		Role:        models.RoleAssistant,
		ContentType: models.ContentText,
		Content:     total,
	}
	if err := w.store.InsertMessage(ctx, assistant); err != nil {
		return w.fail(ctx, job, total, err)
	}

	return w.finish(ctx, job, assistant.ID, total, userMsgID)
}

// runImage invokes the image capability once, uploads the result and
// persists an image message. A content-only response falls back to a text
// message published as a single full chunk.
func (w *Worker) runImage(ctx context.Context, job *Job, chatID uuid.UUID, content models.Content, parentID, userMsgID string) error {
	res, err := w.provider.GenerateImage(ctx, job.Model, content.Flatten())
	if err != nil {
		return w.fail(ctx, job, "", err)
	}

	if len(res.Data) == 0 {
		assistant := &models.Message{
			ChatID:      chatID,
			ParentID:    parentID,
			Role:        models.RoleAssistant,
			ContentType: models.ContentText,
			Content:     res.Text,
		}
		if err := w.store.InsertMessage(ctx, assistant); err != nil {
			return w.fail(ctx, job, res.Text, err)
		}

		ev := models.NewEvent(models.EventChunk)
		ev.Delta = res.Text
		ev.Content = res.Text
		w.publish(ctx, job.ChatID, ev)

		return w.finish(ctx, job, assistant.ID, res.Text, userMsgID)
	}

	url, err := w.blobs.Put(ctx, job.ID, res.Data, res.MIME)
	if err != nil {
		return w.fail(ctx, job, "", apperr.Wrap(apperr.Upstream, "image upload failed", err))
	}

	assistant := &models.Message{
		ChatID:      chatID,
		ParentID:    parentID,
		Role:        models.RoleAssistant,
		ContentType: models.ContentImage,
		Content:     url,
	}
	if err := w.store.InsertMessage(ctx, assistant); err != nil {
		return w.fail(ctx, job, "", err)
	}

	ev := models.NewEvent(models.EventImageGenerated)
	ev.MessageID = assistant.ID
	ev.ImageURL = url
	w.publish(ctx, job.ChatID, ev)

	return w.finish(ctx, job, assistant.ID, url, userMsgID)
}

// buildHistory reconstructs the ancestor chain of the parent message as the
// model input, oldest first. O(depth) point reads; acceptable at chat depths.
func (w *Worker) buildHistory(ctx context.Context, chatID uuid.UUID, parentID string) ([]provider.Turn, error) {
	if parentID == "" {
		return nil, nil
	}

	chain, err := store.AncestorChain(ctx, w.store, chatID, parentID)
	if err != nil {
		return nil, err
	}

	turns := make([]provider.Turn, 0, len(chain))
	for _, msg := range chain {
		content, err := models.DecodeContent(msg.ContentType, msg.Content)
		if err != nil {
			return nil, err
		}
		turns = append(turns, provider.Turn{Role: msg.Role, Text: content.Flatten()})
	}
	return turns, nil
}

// finish writes the completed state and publishes end with the resolved user
// message id.
func (w *Worker) finish(ctx context.Context, job *Job, assistantID, total, userMsgID string) error {
	state := &models.StreamState{
		ChatID:    job.ChatID,
		Status:    models.StreamCompleted,
		Content:   total,
		MessageID: assistantID,
	}
	if err := w.coord.SetStreamState(ctx, state); err != nil {
		w.logger.Error().Err(err).Str("chat_id", job.ChatID).Msg("completed state write failed")
	}

	endID := userMsgID
	if endID == "" {
		endID = job.ParentID
	}
	ev := models.NewEvent(models.EventEnd)
	ev.MessageID = endID
	w.publish(ctx, job.ChatID, ev)

	metrics.JobsFinished.WithLabelValues("completed").Inc()
	w.logger.Info().
		Str("job_id", job.ID).
		Str("chat_id", job.ChatID).
		Str("message_id", assistantID).
		Msg("generation completed")
	return nil
}

// fail records a terminal failure. Cancellation is not an error of the
// worker's own: the request path owns the cancelled state, and partial
// content is deliberately not persisted here.
func (w *Worker) fail(ctx context.Context, job *Job, partial string, err error) error {
	if errors.Is(err, context.Canceled) {
		metrics.JobsFinished.WithLabelValues("cancelled").Inc()
		w.logger.Info().Str("job_id", job.ID).Str("chat_id", job.ChatID).Msg("generation cancelled")
		return err
	}

	detail := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		detail = "generation timed out"
	}

	// State writes use a fresh context: the job context may already be dead.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	state := &models.StreamState{
		ChatID:  job.ChatID,
		Status:  models.StreamError,
		Content: partial,
		Error:   detail,
	}
	if serr := w.coord.SetStreamState(wctx, state); serr != nil {
		w.logger.Error().Err(serr).Str("chat_id", job.ChatID).Msg("error state write failed")
	}

	ev := models.NewEvent(models.EventError)
	ev.Error = detail
	w.publish(wctx, job.ChatID, ev)

	metrics.JobsFinished.WithLabelValues("error").Inc()
	w.logger.Error().Err(err).Str("job_id", job.ID).Str("chat_id", job.ChatID).Msg("generation failed")
	return err
}

func (w *Worker) setStatus(ctx context.Context, chatID string, status models.StreamStatus, content string) {
	state := &models.StreamState{ChatID: chatID, Status: status, Content: content}
	if err := w.coord.SetStreamState(ctx, state); err != nil {
		w.logger.Error().Err(err).Str("chat_id", chatID).Msg("state write failed")
	}
}

func (w *Worker) setStreaming(ctx context.Context, chatID, total string) {
	w.setStatus(ctx, chatID, models.StreamStreaming, total)
}

func (w *Worker) publish(ctx context.Context, chatID string, ev *models.StreamEvent) {
	if err := w.coord.PushEvent(ctx, chatID, ev); err != nil {
		w.logger.Error().Err(err).Str("chat_id", chatID).Str("kind", string(ev.Kind)).Msg("event publish failed")
		return
	}
	metrics.EventsPublished.WithLabelValues(string(ev.Kind)).Inc()
}
