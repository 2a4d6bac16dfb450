package coord

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arborchat/arbor/internal/models"
)

func TestStreamStateRoundTrip(t *testing.T) {
	c := NewMemoryCoordinator()
	ctx := context.Background()

	got, err := c.GetStreamState(ctx, "chat-1")
	require.NoError(t, err)
	require.Nil(t, got)

	state := &models.StreamState{ChatID: "chat-1", Status: models.StreamStreaming, Content: "partial"}
	require.NoError(t, c.SetStreamState(ctx, state))

	got, err = c.GetStreamState(ctx, "chat-1")
	require.NoError(t, err)
	require.Equal(t, models.StreamStreaming, got.Status)
	require.Equal(t, "partial", got.Content)
	require.NotZero(t, got.UpdatedAt)

	require.NoError(t, c.DeleteStreamState(ctx, "chat-1"))
	got, err = c.GetStreamState(ctx, "chat-1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestClaimStream(t *testing.T) {
	c := NewMemoryCoordinator()
	ctx := context.Background()

	claimed, err := c.ClaimStream(ctx, &models.StreamState{ChatID: "chat-1", Status: models.StreamStarting})
	require.NoError(t, err)
	require.True(t, claimed)

	// Second claim on the same chat loses
	claimed, err = c.ClaimStream(ctx, &models.StreamState{ChatID: "chat-1", Status: models.StreamStarting})
	require.NoError(t, err)
	require.False(t, claimed)

	// Different chat is independent
	claimed, err = c.ClaimStream(ctx, &models.StreamState{ChatID: "chat-2", Status: models.StreamStarting})
	require.NoError(t, err)
	require.True(t, claimed)

	// Releasing the slot makes the chat claimable again
	require.NoError(t, c.DeleteStreamState(ctx, "chat-1"))
	claimed, err = c.ClaimStream(ctx, &models.StreamState{ChatID: "chat-1", Status: models.StreamStarting})
	require.NoError(t, err)
	require.True(t, claimed)
}

func TestClaimStreamOverwritesTerminalState(t *testing.T) {
	c := NewMemoryCoordinator()
	ctx := context.Background()

	for _, terminal := range []models.StreamStatus{models.StreamCompleted, models.StreamError, models.StreamCancelled} {
		chatID := "chat-" + string(terminal)

		claimed, err := c.ClaimStream(ctx, &models.StreamState{ChatID: chatID, Status: models.StreamStarting})
		require.NoError(t, err)
		require.True(t, claimed)

		// A finished generation leaves its terminal state under the key; the
		// next turn must be able to reclaim the slot.
		require.NoError(t, c.SetStreamState(ctx, &models.StreamState{ChatID: chatID, Status: terminal, Content: "done"}))

		claimed, err = c.ClaimStream(ctx, &models.StreamState{ChatID: chatID, Status: models.StreamStarting})
		require.NoError(t, err)
		require.True(t, claimed, string(terminal))

		state, err := c.GetStreamState(ctx, chatID)
		require.NoError(t, err)
		require.Equal(t, models.StreamStarting, state.Status)
	}
}

func TestClaimStreamRefusedWhileNonTerminal(t *testing.T) {
	c := NewMemoryCoordinator()
	ctx := context.Background()

	for _, live := range []models.StreamStatus{models.StreamStarting, models.StreamProcessing, models.StreamStreaming} {
		chatID := "chat-" + string(live)
		require.NoError(t, c.SetStreamState(ctx, &models.StreamState{ChatID: chatID, Status: live}))

		claimed, err := c.ClaimStream(ctx, &models.StreamState{ChatID: chatID, Status: models.StreamStarting})
		require.NoError(t, err)
		require.False(t, claimed, string(live))
	}
}

func TestEventQueueFIFO(t *testing.T) {
	c := NewMemoryCoordinator()
	ctx := context.Background()

	ev, err := c.PopEvent(ctx, "chat-1")
	require.NoError(t, err)
	require.Nil(t, ev)

	for _, delta := range []string{"a", "b", "c"} {
		e := models.NewEvent(models.EventChunk)
		e.Delta = delta
		require.NoError(t, c.PushEvent(ctx, "chat-1", e))
	}

	for _, want := range []string{"a", "b", "c"} {
		ev, err = c.PopEvent(ctx, "chat-1")
		require.NoError(t, err)
		require.NotNil(t, ev)
		require.Equal(t, want, ev.Delta)
	}

	// Pop is destructive: the queue is now empty
	ev, err = c.PopEvent(ctx, "chat-1")
	require.NoError(t, err)
	require.Nil(t, ev)
}

func TestEventQueueTrimsOldest(t *testing.T) {
	c := NewMemoryCoordinator()
	ctx := context.Background()

	for i := 0; i < EventQueueMax+10; i++ {
		e := models.NewEvent(models.EventChunk)
		e.Content = "n"
		require.NoError(t, c.PushEvent(ctx, "chat-1", e))
	}

	count := 0
	for {
		ev, err := c.PopEvent(ctx, "chat-1")
		require.NoError(t, err)
		if ev == nil {
			break
		}
		count++
	}
	require.Equal(t, EventQueueMax, count)
}

func TestJobHandle(t *testing.T) {
	c := NewMemoryCoordinator()
	ctx := context.Background()

	id, err := c.GetJobHandle(ctx, "chat-1")
	require.NoError(t, err)
	require.Empty(t, id)

	require.NoError(t, c.SetJobHandle(ctx, "chat-1", "job-42"))
	id, err = c.GetJobHandle(ctx, "chat-1")
	require.NoError(t, err)
	require.Equal(t, "job-42", id)

	require.NoError(t, c.DeleteJobHandle(ctx, "chat-1"))
	id, err = c.GetJobHandle(ctx, "chat-1")
	require.NoError(t, err)
	require.Empty(t, id)
}

func TestJobQueue(t *testing.T) {
	c := NewMemoryCoordinator()
	ctx := context.Background()

	require.NoError(t, c.EnqueueJob(ctx, []byte("one")))
	require.NoError(t, c.EnqueueJob(ctx, []byte("two")))

	payload, err := c.DequeueJob(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte("one"), payload)

	payload, err = c.DequeueJob(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte("two"), payload)

	// Empty queue times out with no payload and no error
	payload, err = c.DequeueJob(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, payload)
}

func TestCancelPubSub(t *testing.T) {
	c := NewMemoryCoordinator()
	ctx := context.Background()

	ch, stop, err := c.SubscribeCancel(ctx)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, c.PublishCancel(ctx, "chat-1"))

	select {
	case got := <-ch:
		require.Equal(t, "chat-1", got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancel broadcast")
	}
}

func TestCancelBroadcastReachesAllSubscribers(t *testing.T) {
	c := NewMemoryCoordinator()
	ctx := context.Background()

	ch1, stop1, err := c.SubscribeCancel(ctx)
	require.NoError(t, err)
	defer stop1()
	ch2, stop2, err := c.SubscribeCancel(ctx)
	require.NoError(t, err)
	defer stop2()

	require.NoError(t, c.PublishCancel(ctx, "chat-9"))

	for _, ch := range []<-chan string{ch1, ch2} {
		select {
		case got := <-ch:
			require.Equal(t, "chat-9", got)
		case <-time.After(time.Second):
			t.Fatal("subscriber missed broadcast")
		}
	}
}

func TestSubscribeStopIsIdempotent(t *testing.T) {
	c := NewMemoryCoordinator()

	_, stop, err := c.SubscribeCancel(context.Background())
	require.NoError(t, err)
	stop()
	stop()

	// Publishing after unsubscribe must not panic on the closed channel
	require.NoError(t, c.PublishCancel(context.Background(), "chat-1"))
}
