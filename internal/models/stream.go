package models

import "time"

// StreamStatus is the lifecycle state of a generation job for one chat.
type StreamStatus string

const (
	StreamStarting   StreamStatus = "starting"
	StreamProcessing StreamStatus = "processing"
	StreamStreaming  StreamStatus = "streaming"
	StreamCompleted  StreamStatus = "completed"
	StreamError      StreamStatus = "error"
	StreamCancelled  StreamStatus = "cancelled"
)

// Terminal reports whether the status ends a generation attempt.
func (s StreamStatus) Terminal() bool {
	return s == StreamCompleted || s == StreamError || s == StreamCancelled
}

// StreamState is the ephemeral per-chat record in the coordination store.
// It is the single source of truth for "is a job running" and carries the
// accumulated content so a reconnecting reader can resume mid-stream.
// Writes are last-writer-wins.
type StreamState struct {
	ChatID    string       `json:"chat_id"`
	Status    StreamStatus `json:"status"`
	Content   string       `json:"content,omitempty"`    // running total
	MessageID string       `json:"message_id,omitempty"` // assistant message once known
	Error     string       `json:"error,omitempty"`
	UpdatedAt int64        `json:"updated_at"` // unix ms
}

// Active reports whether the state blocks a new generation for its chat.
func (s *StreamState) Active() bool {
	return s != nil && !s.Status.Terminal()
}

// EventKind discriminates stream events.
type EventKind string

const (
	EventStreamState        EventKind = "stream_state"
	EventUserMessageCreated EventKind = "user_message_created"
	EventChunk              EventKind = "chunk"
	EventImageGenerated     EventKind = "image_generated"
	EventToolCall           EventKind = "tool_call"
	EventEnd                EventKind = "end"
	EventError              EventKind = "error"
	EventCancelled          EventKind = "cancelled"
	EventHeartbeat          EventKind = "heartbeat"
)

// StreamEvent is one unit pushed down the live channel. Fields are
// kind-specific: chunk carries Delta plus the running Content total, end
// carries the resolved user message id, stream_state carries a full replay.
type StreamEvent struct {
	Kind      EventKind    `json:"kind"`
	MessageID string       `json:"message_id,omitempty"`
	Delta     string       `json:"delta,omitempty"`
	Content   string       `json:"content,omitempty"`
	ImageURL  string       `json:"image_url,omitempty"`
	ToolName  string       `json:"tool_name,omitempty"`
	ToolArgs  string       `json:"tool_args,omitempty"`
	Error     string       `json:"error,omitempty"`
	State     *StreamState `json:"state,omitempty"`
	Timestamp int64        `json:"ts"`
}

// NewEvent creates an event of the given kind stamped with the current time.
func NewEvent(kind EventKind) *StreamEvent {
	return &StreamEvent{Kind: kind, Timestamp: time.Now().UnixMilli()}
}
