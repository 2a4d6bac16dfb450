package coord

import (
	"context"
	"sync"
	"time"

	"github.com/arborchat/arbor/internal/models"
)

// MemoryCoordinator implements Coordinator with process-local state. It backs
// tests and single-node deployments where Redis is not configured; cross-
// process coordination obviously does not apply.
type MemoryCoordinator struct {
	mu          sync.Mutex
	states      map[string]memoryEntry
	jobs        map[string]memoryEntry
	events      map[string][]*models.StreamEvent
	jobQueue    chan []byte
	subscribers map[int]chan string
	nextSub     int
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func (e memoryEntry) expired() bool {
	return time.Now().After(e.expiresAt)
}

// NewMemoryCoordinator creates an in-memory coordinator.
func NewMemoryCoordinator() *MemoryCoordinator {
	return &MemoryCoordinator{
		states:      make(map[string]memoryEntry),
		jobs:        make(map[string]memoryEntry),
		events:      make(map[string][]*models.StreamEvent),
		jobQueue:    make(chan []byte, 1024),
		subscribers: make(map[int]chan string),
	}
}

func (c *MemoryCoordinator) Close() error { return nil }

func (c *MemoryCoordinator) Ping(ctx context.Context) error { return nil }

// GetStreamState reads the per-chat stream state.
func (c *MemoryCoordinator) GetStreamState(ctx context.Context, chatID string) (*models.StreamState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.states[chatID]
	if !ok || entry.expired() {
		return nil, nil
	}

	var state models.StreamState
	if err := unmarshalState(entry.value, &state); err != nil {
		return nil, nil
	}
	return &state, nil
}

// SetStreamState writes the per-chat stream state. Last writer wins.
func (c *MemoryCoordinator) SetStreamState(ctx context.Context, state *models.StreamState) error {
	state.UpdatedAt = time.Now().UnixMilli()
	data, err := marshalState(state)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[state.ChatID] = memoryEntry{value: data, expiresAt: time.Now().Add(StateTTL)}
	return nil
}

// ClaimStream claims the per-chat slot. Only a live non-terminal state
// refuses the claim; a terminal leftover from the previous generation is
// overwritten so the next turn can start.
func (c *MemoryCoordinator) ClaimStream(ctx context.Context, state *models.StreamState) (bool, error) {
	state.UpdatedAt = time.Now().UnixMilli()
	data, err := marshalState(state)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.states[state.ChatID]; ok && !entry.expired() {
		var existing models.StreamState
		if err := unmarshalState(entry.value, &existing); err == nil && !existing.Status.Terminal() {
			return false, nil
		}
		// Unparseable reads as no active stream, same as GetStreamState.
	}
	c.states[state.ChatID] = memoryEntry{value: data, expiresAt: time.Now().Add(StateTTL)}
	return true, nil
}

// DeleteStreamState removes the per-chat stream state.
func (c *MemoryCoordinator) DeleteStreamState(ctx context.Context, chatID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, chatID)
	return nil
}

// SetJobHandle records the running job id for a chat.
func (c *MemoryCoordinator) SetJobHandle(ctx context.Context, chatID, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs[chatID] = memoryEntry{value: jobID, expiresAt: time.Now().Add(StateTTL)}
	return nil
}

// GetJobHandle returns the recorded job id, or "" when none exists.
func (c *MemoryCoordinator) GetJobHandle(ctx context.Context, chatID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.jobs[chatID]
	if !ok || entry.expired() {
		return "", nil
	}
	return entry.value, nil
}

// DeleteJobHandle removes the job handle.
func (c *MemoryCoordinator) DeleteJobHandle(ctx context.Context, chatID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.jobs, chatID)
	return nil
}

// PushEvent appends an event to the chat's queue and trims the window.
func (c *MemoryCoordinator) PushEvent(ctx context.Context, chatID string, ev *models.StreamEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	queue := append(c.events[chatID], ev)
	if len(queue) > EventQueueMax {
		queue = queue[len(queue)-EventQueueMax:]
	}
	c.events[chatID] = queue
	return nil
}

// PopEvent pops the oldest event from the chat's queue.
func (c *MemoryCoordinator) PopEvent(ctx context.Context, chatID string) (*models.StreamEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	queue := c.events[chatID]
	if len(queue) == 0 {
		return nil, nil
	}
	ev := queue[0]
	c.events[chatID] = queue[1:]
	return ev, nil
}

// EnqueueJob pushes a job payload onto the pending queue.
func (c *MemoryCoordinator) EnqueueJob(ctx context.Context, payload []byte) error {
	select {
	case c.jobQueue <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DequeueJob pops the next job payload, waiting up to timeout.
func (c *MemoryCoordinator) DequeueJob(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case payload := <-c.jobQueue:
		return payload, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PublishCancel broadcasts a cancellation to all subscribers.
func (c *MemoryCoordinator) PublishCancel(ctx context.Context, chatID string) error {
	c.mu.Lock()
	subs := make([]chan string, 0, len(c.subscribers))
	for _, ch := range c.subscribers {
		subs = append(subs, ch)
	}
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- chatID:
		default:
			// Slow subscriber; cancellation is best-effort on this channel and
			// always also recorded in stream state.
		}
	}
	return nil
}

// SubscribeCancel subscribes to cancellation broadcasts.
func (c *MemoryCoordinator) SubscribeCancel(ctx context.Context) (<-chan string, func(), error) {
	ch := make(chan string, 16)

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = ch
	c.mu.Unlock()

	stop := func() {
		c.mu.Lock()
		if _, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(ch)
		}
		c.mu.Unlock()
	}
	return ch, stop, nil
}
