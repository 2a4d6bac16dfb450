package arbor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arborchat/arbor/internal/models"
	"github.com/arborchat/arbor/internal/session"
)

// These decode payloads produced by the server's own types, so a wire-format
// drift on either side fails here.

func TestStreamEventDecodesServerPayload(t *testing.T) {
	ev := models.NewEvent(models.EventChunk)
	ev.MessageID = "01ABCDEF"
	ev.Delta = " world"
	ev.Content = "hello world"

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var got StreamEvent
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, "chunk", got.Kind)
	require.Equal(t, "01ABCDEF", got.MessageID)
	require.Equal(t, " world", got.Delta)
	require.Equal(t, "hello world", got.Content)
	require.Equal(t, ev.Timestamp, got.Timestamp)
	require.NotZero(t, got.Timestamp)
}

func TestStreamStateDecodesServerPayload(t *testing.T) {
	ev := models.NewEvent(models.EventStreamState)
	ev.State = &models.StreamState{
		ChatID:    "chat-1",
		Status:    models.StreamStreaming,
		Content:   "partial",
		UpdatedAt: 1234567890,
	}

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var got StreamEvent
	require.NoError(t, json.Unmarshal(data, &got))
	require.NotNil(t, got.State)
	require.Equal(t, "streaming", got.State.Status)
	require.Equal(t, "partial", got.State.Content)
	require.Equal(t, int64(1234567890), got.State.UpdatedAt)
}

func TestStreamStatusDecodesServerPayload(t *testing.T) {
	status := session.Status{
		State:     &models.StreamState{ChatID: "chat-1", Status: models.StreamProcessing},
		JobID:     "job-42",
		HasActive: true,
	}

	data, err := json.Marshal(status)
	require.NoError(t, err)

	var got StreamStatusResponse
	require.NoError(t, json.Unmarshal(data, &got))
	require.True(t, got.HasActive)
	require.Equal(t, "job-42", got.JobID)
	require.NotNil(t, got.State)
	require.Equal(t, "processing", got.State.Status)
}

func TestGenerateResponseDecodesServerPayload(t *testing.T) {
	result := session.SubmitResult{
		JobID: "job-7",
		State: &models.StreamState{ChatID: "chat-1", Status: models.StreamStreaming},
	}

	data, err := json.Marshal(result)
	require.NoError(t, err)

	var got GenerateResponse
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, "job-7", got.JobID)
	require.NotNil(t, got.State)
	require.Equal(t, "streaming", got.State.Status)
}
