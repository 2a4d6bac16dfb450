package session

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/arborchat/arbor/internal/apperr"
	"github.com/arborchat/arbor/internal/coord"
	"github.com/arborchat/arbor/internal/models"
	"github.com/arborchat/arbor/internal/provider"
	"github.com/arborchat/arbor/internal/store"
	"github.com/arborchat/arbor/internal/worker"
)

type sessionFixture struct {
	store *store.SQLiteStore
	coord *coord.MemoryCoordinator
	ctrl  *Controller
	owner uuid.UUID
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()

	ds, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(ds.Close)

	cs := coord.NewMemoryCoordinator()
	return &sessionFixture{
		store: ds,
		coord: cs,
		ctrl:  NewController(ds, cs, zerolog.Nop()),
		owner: uuid.New(),
	}
}

func textSubmit(chatID uuid.UUID, text string) SubmitRequest {
	return SubmitRequest{ChatID: chatID, Content: models.TextContent(text), Model: "gpt-test"}
}

func TestSubmitCreatesChatAndEnqueues(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	result, err := f.ctrl.Submit(ctx, f.owner, textSubmit(uuid.Nil, "what is the capital of France?"))
	require.NoError(t, err)
	require.NotEmpty(t, result.JobID)
	require.NotNil(t, result.Chat)
	require.Equal(t, f.owner, result.Chat.OwnerID)
	require.Equal(t, "what is the capital of France?", result.Chat.Title)

	chatID := result.Chat.ID.String()

	// The stream slot is claimed
	state, err := f.coord.GetStreamState(ctx, chatID)
	require.NoError(t, err)
	require.Equal(t, models.StreamStarting, state.Status)

	// The job handle points at the submitted job
	handle, err := f.coord.GetJobHandle(ctx, chatID)
	require.NoError(t, err)
	require.Equal(t, result.JobID, handle)

	// The queue holds the decodable job payload
	payload, err := f.coord.DequeueJob(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, payload)
	job, err := worker.UnmarshalJob(payload)
	require.NoError(t, err)
	require.Equal(t, result.JobID, job.ID)
	require.Equal(t, chatID, job.ChatID)
	require.Equal(t, f.owner.String(), job.OwnerID)
	require.Equal(t, "what is the capital of France?", job.Content)
}

func TestSubmitTitleTruncation(t *testing.T) {
	f := newSessionFixture(t)

	long := strings.Repeat("word ", 40)
	result, err := f.ctrl.Submit(context.Background(), f.owner, textSubmit(uuid.Nil, long))
	require.NoError(t, err)
	require.LessOrEqual(t, len(result.Chat.Title), titleMax)
	require.NotEmpty(t, result.Chat.Title)
}

func TestSubmitValidation(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	_, err := f.ctrl.Submit(ctx, f.owner, SubmitRequest{Content: models.TextContent("hi")})
	require.True(t, apperr.Is(err, apperr.Validation))

	_, err = f.ctrl.Submit(ctx, f.owner, SubmitRequest{Model: "gpt-test", Content: models.TextContent("  ")})
	require.True(t, apperr.Is(err, apperr.Validation))
}

func TestSubmitForeignChatForbidden(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	chat, err := f.store.CreateChat(ctx, uuid.New(), "not yours")
	require.NoError(t, err)

	_, err = f.ctrl.Submit(ctx, f.owner, textSubmit(chat.ID, "hi"))
	require.True(t, apperr.Is(err, apperr.Forbidden))
}

func TestSubmitMissingChatNotFound(t *testing.T) {
	f := newSessionFixture(t)

	_, err := f.ctrl.Submit(context.Background(), f.owner, textSubmit(uuid.New(), "hi"))
	require.True(t, apperr.Is(err, apperr.NotFound))
}

func TestSubmitDuplicateConflict(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	first, err := f.ctrl.Submit(ctx, f.owner, textSubmit(uuid.Nil, "first"))
	require.NoError(t, err)

	// Second submission against the same chat while the job is live
	result, err := f.ctrl.Submit(ctx, f.owner, textSubmit(first.Chat.ID, "second"))
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.Conflict))

	// The conflict carries the live state so the caller can reattach
	require.NotNil(t, result)
	require.NotNil(t, result.State)
	require.True(t, result.State.Active())
	require.Equal(t, first.Chat.ID, result.Chat.ID)
}

// runQueuedJob pops the pending job and executes it through the real worker.
func (f *sessionFixture) runQueuedJob(t *testing.T, prov provider.Provider) error {
	t.Helper()

	payload, err := f.coord.DequeueJob(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, payload)
	job, err := worker.UnmarshalJob(payload)
	require.NoError(t, err)

	w := worker.New(f.store, f.coord, prov, stubBlobs{}, zerolog.Nop(), time.Millisecond)
	return w.Run(context.Background(), job)
}

type stubProvider struct {
	reply     string
	streamErr error
}

func (p stubProvider) StreamChat(ctx context.Context, req provider.ChatRequest, fn provider.StreamFunc) error {
	if p.streamErr != nil {
		return p.streamErr
	}
	return fn(provider.Delta{Text: p.reply})
}

func (p stubProvider) GenerateImage(ctx context.Context, model, prompt string) (*provider.ImageResult, error) {
	return nil, apperr.E(apperr.Upstream, "image path not exercised here")
}

func (p stubProvider) IsImageModel(model string) bool { return false }

type stubBlobs struct{}

func (stubBlobs) Put(ctx context.Context, name string, data []byte, mime string) (string, error) {
	return "/files/" + name, nil
}

func TestSubmitSecondTurnAfterCompletion(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	first, err := f.ctrl.Submit(ctx, f.owner, textSubmit(uuid.Nil, "first question"))
	require.NoError(t, err)
	chatID := first.Chat.ID.String()

	require.NoError(t, f.runQueuedJob(t, stubProvider{reply: "first answer"}))

	// The completed state stays readable for reconnect replay
	state, err := f.coord.GetStreamState(ctx, chatID)
	require.NoError(t, err)
	require.Equal(t, models.StreamCompleted, state.Status)

	// The next turn claims over the terminal leftover
	second, err := f.ctrl.Submit(ctx, f.owner, textSubmit(first.Chat.ID, "second question"))
	require.NoError(t, err)
	require.NotEmpty(t, second.JobID)

	state, err = f.coord.GetStreamState(ctx, chatID)
	require.NoError(t, err)
	require.Equal(t, models.StreamStarting, state.Status)
}

func TestSubmitAfterFailedGeneration(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	first, err := f.ctrl.Submit(ctx, f.owner, textSubmit(uuid.Nil, "first"))
	require.NoError(t, err)
	chatID := first.Chat.ID.String()

	// A failed generation leaves an error state under the key
	err = f.runQueuedJob(t, stubProvider{streamErr: apperr.E(apperr.Upstream, "model unavailable")})
	require.Error(t, err)

	state, err := f.coord.GetStreamState(ctx, chatID)
	require.NoError(t, err)
	require.Equal(t, models.StreamError, state.Status)

	_, err = f.ctrl.Submit(ctx, f.owner, textSubmit(first.Chat.ID, "retry"))
	require.NoError(t, err)
}

func TestSubmitAfterCancel(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	first, err := f.ctrl.Submit(ctx, f.owner, textSubmit(uuid.Nil, "first"))
	require.NoError(t, err)

	require.NoError(t, f.ctrl.Cancel(ctx, f.owner, first.Chat.ID))

	_, err = f.ctrl.Submit(ctx, f.owner, textSubmit(first.Chat.ID, "again"))
	require.NoError(t, err)
}

// seedConversation inserts a user turn, an assistant reply and a follow-up
// user turn, returning the three messages in order.
func seedConversation(t *testing.T, f *sessionFixture, chatID uuid.UUID) []*models.Message {
	t.Helper()

	msgs := []*models.Message{
		{ChatID: chatID, Role: models.RoleUser, ContentType: models.ContentText, Content: "question"},
		{ChatID: chatID, Role: models.RoleAssistant, ContentType: models.ContentText, Content: "answer"},
		{ChatID: chatID, Role: models.RoleUser, ContentType: models.ContentText, Content: "follow-up"},
	}
	for i, msg := range msgs {
		if i > 0 {
			msg.ParentID = msgs[i-1].ID
		}
		require.NoError(t, f.store.InsertMessage(context.Background(), msg))
	}
	return msgs
}

func TestResendRestartsFromEditPoint(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	chat, err := f.store.CreateChat(ctx, f.owner, "c")
	require.NoError(t, err)
	msgs := seedConversation(t, f, chat.ID)

	// Edit the first user turn: its reply and the follow-up go with it
	result, err := f.ctrl.Resend(ctx, f.owner, chat.ID, msgs[0].ID, SubmitRequest{
		Content: models.TextContent("revised question"), Model: "gpt-test",
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.JobID)

	remaining, err := f.store.ListMessages(ctx, chat.ID)
	require.NoError(t, err)
	require.Empty(t, remaining)

	// The job restarts from the edited message's position
	payload, err := f.coord.DequeueJob(ctx, time.Second)
	require.NoError(t, err)
	job, err := worker.UnmarshalJob(payload)
	require.NoError(t, err)
	require.Equal(t, msgs[0].ParentID, job.ParentID)
	require.Equal(t, "revised question", job.Content)
}

func TestResendMidTreeKeepsAncestors(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	chat, err := f.store.CreateChat(ctx, f.owner, "c")
	require.NoError(t, err)
	msgs := seedConversation(t, f, chat.ID)

	_, err = f.ctrl.Resend(ctx, f.owner, chat.ID, msgs[2].ID, SubmitRequest{
		Content: models.TextContent("better follow-up"), Model: "gpt-test",
	})
	require.NoError(t, err)

	remaining, err := f.store.ListMessages(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, remaining, 2)

	payload, err := f.coord.DequeueJob(ctx, time.Second)
	require.NoError(t, err)
	job, err := worker.UnmarshalJob(payload)
	require.NoError(t, err)
	require.Equal(t, msgs[1].ID, job.ParentID)
}

func TestResendRejectedLeavesTreeIntact(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	chat, err := f.store.CreateChat(ctx, f.owner, "c")
	require.NoError(t, err)
	msgs := seedConversation(t, f, chat.ID)

	// Missing model fails validation before anything is touched
	_, err = f.ctrl.Resend(ctx, f.owner, chat.ID, msgs[0].ID, SubmitRequest{
		Content: models.TextContent("revised"),
	})
	require.True(t, apperr.Is(err, apperr.Validation))

	// Unknown message id fails lookup before the slot is claimed
	_, err = f.ctrl.Resend(ctx, f.owner, chat.ID, "no-such-id", SubmitRequest{
		Content: models.TextContent("revised"), Model: "gpt-test",
	})
	require.True(t, apperr.Is(err, apperr.NotFound))

	state, err := f.coord.GetStreamState(ctx, chat.ID.String())
	require.NoError(t, err)
	require.Nil(t, state)

	remaining, err := f.store.ListMessages(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, remaining, 3)
}

func TestResendConflictLeavesTreeIntact(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	chat, err := f.store.CreateChat(ctx, f.owner, "c")
	require.NoError(t, err)
	msgs := seedConversation(t, f, chat.ID)

	// Another generation holds the slot
	require.NoError(t, f.coord.SetStreamState(ctx, &models.StreamState{
		ChatID: chat.ID.String(), Status: models.StreamStreaming,
	}))

	result, err := f.ctrl.Resend(ctx, f.owner, chat.ID, msgs[0].ID, SubmitRequest{
		Content: models.TextContent("revised"), Model: "gpt-test",
	})
	require.True(t, apperr.Is(err, apperr.Conflict))
	require.NotNil(t, result)
	require.NotNil(t, result.State)

	remaining, err := f.store.ListMessages(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, remaining, 3)
}

func TestDeriveTitleKeepsRunesWhole(t *testing.T) {
	long := strings.Repeat("日本語のテキスト", 20)
	title := deriveTitle(models.TextContent(long))
	require.LessOrEqual(t, len([]rune(title)), titleMax)
	require.True(t, utf8.ValidString(title))
	require.Equal(t, string([]rune(long)[:titleMax]), title)
}

func TestCancelWritesTerminalStateAndEvent(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	result, err := f.ctrl.Submit(ctx, f.owner, textSubmit(uuid.Nil, "hi"))
	require.NoError(t, err)
	chatID := result.Chat.ID.String()

	// Simulate mid-stream progress so cancel has content to preserve
	require.NoError(t, f.coord.SetStreamState(ctx, &models.StreamState{
		ChatID: chatID, Status: models.StreamStreaming, Content: "partial answ",
	}))

	require.NoError(t, f.ctrl.Cancel(ctx, f.owner, result.Chat.ID))

	state, err := f.coord.GetStreamState(ctx, chatID)
	require.NoError(t, err)
	require.Equal(t, models.StreamCancelled, state.Status)
	require.Equal(t, "partial answ", state.Content)

	ev, err := f.coord.PopEvent(ctx, chatID)
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Equal(t, models.EventCancelled, ev.Kind)

	handle, err := f.coord.GetJobHandle(ctx, chatID)
	require.NoError(t, err)
	require.Empty(t, handle)
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	result, err := f.ctrl.Submit(ctx, f.owner, textSubmit(uuid.Nil, "hi"))
	require.NoError(t, err)

	require.NoError(t, f.ctrl.Cancel(ctx, f.owner, result.Chat.ID))
	require.NoError(t, f.ctrl.Cancel(ctx, f.owner, result.Chat.ID))

	// Exactly one cancelled event despite two calls
	count := 0
	for {
		ev, err := f.coord.PopEvent(ctx, result.Chat.ID.String())
		require.NoError(t, err)
		if ev == nil {
			break
		}
		if ev.Kind == models.EventCancelled {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestCancelWithoutJobIsNoOp(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	chat, err := f.store.CreateChat(ctx, f.owner, "idle")
	require.NoError(t, err)

	require.NoError(t, f.ctrl.Cancel(ctx, f.owner, chat.ID))

	state, err := f.coord.GetStreamState(ctx, chat.ID.String())
	require.NoError(t, err)
	require.Nil(t, state)
}

func TestStreamStatus(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	result, err := f.ctrl.Submit(ctx, f.owner, textSubmit(uuid.Nil, "hi"))
	require.NoError(t, err)

	status, err := f.ctrl.StreamStatus(ctx, f.owner, result.Chat.ID)
	require.NoError(t, err)
	require.True(t, status.HasActive)
	require.Equal(t, result.JobID, status.JobID)
	require.Equal(t, models.StreamStarting, status.State.Status)
}

func TestStreamStatusIdleChat(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	chat, err := f.store.CreateChat(ctx, f.owner, "idle")
	require.NoError(t, err)

	status, err := f.ctrl.StreamStatus(ctx, f.owner, chat.ID)
	require.NoError(t, err)
	require.False(t, status.HasActive)
	require.Nil(t, status.State)
}

func TestSavePartial(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	chat, err := f.store.CreateChat(ctx, f.owner, "c")
	require.NoError(t, err)
	user := &models.Message{ChatID: chat.ID, Role: models.RoleUser, ContentType: models.ContentText, Content: "question"}
	require.NoError(t, f.store.InsertMessage(ctx, user))

	msg, err := f.ctrl.SavePartial(ctx, f.owner, chat.ID, models.TextContent("partial ans"), user.ID)
	require.NoError(t, err)
	require.Equal(t, models.RoleAssistant, msg.Role)
	require.Equal(t, user.ID, msg.ParentID)

	stored, err := f.store.GetMessage(ctx, chat.ID, msg.ID)
	require.NoError(t, err)
	require.Equal(t, "partial ans", stored.Content)
}

func TestSavePartialRejectsEmpty(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	chat, err := f.store.CreateChat(ctx, f.owner, "c")
	require.NoError(t, err)

	_, err = f.ctrl.SavePartial(ctx, f.owner, chat.ID, models.TextContent(" "), "")
	require.True(t, apperr.Is(err, apperr.Validation))
}
