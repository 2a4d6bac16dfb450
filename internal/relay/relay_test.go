package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/arborchat/arbor/internal/apperr"
	"github.com/arborchat/arbor/internal/coord"
	"github.com/arborchat/arbor/internal/models"
)

func newTestRelay(cs coord.Coordinator) *Relay {
	rl := New(cs, zerolog.Nop())
	rl.PollInterval = 5 * time.Millisecond
	rl.GraceDelay = 0
	return rl
}

func serveOnce(t *testing.T, rl *Relay, chatID string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/chats/"+chatID+"/stream", nil)
	require.NoError(t, rl.Serve(w, r, chatID))
	return w
}

func TestServeReplaysStateAndForwardsUntilEnd(t *testing.T) {
	cs := coord.NewMemoryCoordinator()
	ctx := context.Background()

	require.NoError(t, cs.SetStreamState(ctx, &models.StreamState{
		ChatID: "chat-1", Status: models.StreamStreaming, Content: "so far",
	}))

	chunk := models.NewEvent(models.EventChunk)
	chunk.Delta = " more"
	chunk.Content = "so far more"
	require.NoError(t, cs.PushEvent(ctx, "chat-1", chunk))
	require.NoError(t, cs.PushEvent(ctx, "chat-1", models.NewEvent(models.EventEnd)))

	w := serveOnce(t, newTestRelay(cs), "chat-1")

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	require.Equal(t, "no-cache", w.Header().Get("Cache-Control"))

	body := w.Body.String()
	// Replay first, then the queued events in order
	stateIdx := strings.Index(body, "event: stream_state")
	chunkIdx := strings.Index(body, "event: chunk")
	endIdx := strings.Index(body, "event: end")
	require.GreaterOrEqual(t, stateIdx, 0)
	require.Greater(t, chunkIdx, stateIdx)
	require.Greater(t, endIdx, chunkIdx)
	require.Contains(t, body, `"content":"so far more"`)
}

func TestServeWithoutStateSkipsReplay(t *testing.T) {
	cs := coord.NewMemoryCoordinator()
	require.NoError(t, cs.PushEvent(context.Background(), "chat-1", models.NewEvent(models.EventEnd)))

	w := serveOnce(t, newTestRelay(cs), "chat-1")
	require.NotContains(t, w.Body.String(), "event: stream_state")
}

func TestServeClosesOnErrorEvent(t *testing.T) {
	cs := coord.NewMemoryCoordinator()
	ev := models.NewEvent(models.EventError)
	ev.Error = "upstream exploded"
	require.NoError(t, cs.PushEvent(context.Background(), "chat-1", ev))

	w := serveOnce(t, newTestRelay(cs), "chat-1")
	require.Contains(t, w.Body.String(), "event: error")
	require.Contains(t, w.Body.String(), "upstream exploded")
}

func TestServeClosesOnCancelledEvent(t *testing.T) {
	cs := coord.NewMemoryCoordinator()
	require.NoError(t, cs.PushEvent(context.Background(), "chat-1", models.NewEvent(models.EventCancelled)))

	w := serveOnce(t, newTestRelay(cs), "chat-1")
	require.Contains(t, w.Body.String(), "event: cancelled")
}

func TestServeEnforcesLifetimeCeiling(t *testing.T) {
	cs := coord.NewMemoryCoordinator()
	rl := newTestRelay(cs)
	rl.MaxLifetime = 30 * time.Millisecond

	done := make(chan struct{})
	go func() {
		w := httptest.NewRecorder()
		r := httptest.NewRequest("GET", "/chats/chat-1/stream", nil)
		rl.Serve(w, r, "chat-1")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not close at the lifetime ceiling")
	}
}

func TestServeEmitsHeartbeats(t *testing.T) {
	cs := coord.NewMemoryCoordinator()
	rl := newTestRelay(cs)
	rl.Heartbeat = 10 * time.Millisecond
	rl.MaxLifetime = 100 * time.Millisecond

	w := serveOnce(t, rl, "chat-1")
	require.Contains(t, w.Body.String(), "event: heartbeat")
}

func TestServeClosesOnReaderDisconnect(t *testing.T) {
	cs := coord.NewMemoryCoordinator()
	rl := newTestRelay(cs)

	ctx, cancel := context.WithCancel(context.Background())
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/chats/chat-1/stream", nil).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		rl.Serve(w, r, "chat-1")
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not close on disconnect")
	}
}

type noFlushWriter struct {
	header http.Header
}

func (w *noFlushWriter) Header() http.Header {
	if w.header == nil {
		w.header = make(http.Header)
	}
	return w.header
}
func (w *noFlushWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *noFlushWriter) WriteHeader(int)             {}

func TestServeRequiresFlusher(t *testing.T) {
	cs := coord.NewMemoryCoordinator()
	rl := newTestRelay(cs)

	err := rl.Serve(&noFlushWriter{}, httptest.NewRequest("GET", "/", nil), "chat-1")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.Internal))
}
