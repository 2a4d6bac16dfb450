// Package coord wraps the key-value / queue / pub-sub primitives used for
// cross-process signaling between the request path and the generation worker.
package coord

import (
	"context"
	"encoding/json"
	"time"

	"github.com/arborchat/arbor/internal/models"
)

const (
	// StateTTL bounds how long stream state and job handles survive without a
	// writer, so a crashed job cannot block its chat forever.
	StateTTL = time.Hour

	// EventQueueTTL bounds the event backlog of an abandoned chat.
	EventQueueTTL = time.Hour

	// EventQueueMax is the recent-event window kept per chat.
	EventQueueMax = 512
)

// Coordinator is the coordination-store capability. All stream-state, job
// handle and event traffic goes through it so it can be swapped for the
// in-memory implementation in tests and single-node deployments.
type Coordinator interface {
	Close() error
	Ping(ctx context.Context) error

	// Stream state. GetStreamState returns (nil, nil) when absent; a stored
	// blob that fails to parse also reads as absent rather than blocking new
	// submissions.
	GetStreamState(ctx context.Context, chatID string) (*models.StreamState, error)
	SetStreamState(ctx context.Context, state *models.StreamState) error
	// ClaimStream atomically claims the per-chat stream slot with TTL. Only a
	// live non-terminal state refuses the claim; a terminal state from the
	// previous generation is overwritten (it stays readable for reconnect
	// replay until then). Returns false when another job holds the slot.
	ClaimStream(ctx context.Context, state *models.StreamState) (bool, error)
	DeleteStreamState(ctx context.Context, chatID string) error

	// Job handles.
	SetJobHandle(ctx context.Context, chatID, jobID string) error
	GetJobHandle(ctx context.Context, chatID string) (string, error)
	DeleteJobHandle(ctx context.Context, chatID string) error

	// Per-chat event queue (FIFO, destructive pop). PushEvent refreshes the
	// queue TTL and trims to the recent-event window. PopEvent returns
	// (nil, nil) when the queue is empty.
	PushEvent(ctx context.Context, chatID string, ev *models.StreamEvent) error
	PopEvent(ctx context.Context, chatID string) (*models.StreamEvent, error)

	// Job queue.
	EnqueueJob(ctx context.Context, payload []byte) error
	// DequeueJob blocks up to timeout and returns (nil, nil) when nothing
	// arrived.
	DequeueJob(ctx context.Context, timeout time.Duration) ([]byte, error)

	// Cancellation signaling. PublishCancel broadcasts a chat id to every
	// runner; SubscribeCancel returns a channel of chat ids and a stop func.
	PublishCancel(ctx context.Context, chatID string) error
	SubscribeCancel(ctx context.Context) (<-chan string, func(), error)
}

func marshalState(state *models.StreamState) (string, error) {
	data, err := json.Marshal(state)
	return string(data), err
}

func unmarshalState(data string, state *models.StreamState) error {
	return json.Unmarshal([]byte(data), state)
}
