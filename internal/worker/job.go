package worker

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/arborchat/arbor/internal/models"
)

// Job is the queued payload for one generation. It carries the caller
// identity so the worker can re-check ownership without trusting the queue.
type Job struct {
	ID               string             `json:"id"`
	ChatID           string             `json:"chat_id"`
	OwnerID          string             `json:"owner_id"`
	Model            string             `json:"model"`
	ContentType      models.ContentType `json:"content_type"`
	Content          string             `json:"content"` // encoded payload
	ParentID         string             `json:"parent_id,omitempty"`
	UserMessageID    string             `json:"user_message_id,omitempty"` // pre-created user turn
	WebSearch        bool               `json:"web_search,omitempty"`
	WebSearchResults int                `json:"web_search_results,omitempty"`
	SubmittedAt      int64              `json:"submitted_at"` // unix ms
}

// NewJobID generates a creation-ordered job handle.
func NewJobID() string {
	return ulid.Make().String()
}

// NewJob stamps a fresh job with id and submission time.
func NewJob() *Job {
	return &Job{ID: NewJobID(), SubmittedAt: time.Now().UnixMilli()}
}

// Marshal serializes the job for the queue.
func (j *Job) Marshal() ([]byte, error) {
	return json.Marshal(j)
}

// UnmarshalJob deserializes a queued payload.
func UnmarshalJob(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}
