package models

import (
	"time"

	"github.com/google/uuid"
)

// Chat is the root of a message tree. The share token is issued once at
// creation and never changes; Public controls whether unauthenticated reads
// via the token succeed.
type Chat struct {
	ID                    uuid.UUID  `json:"id"`
	OwnerID               uuid.UUID  `json:"owner_id"`
	Title                 string     `json:"title"`
	Public                bool       `json:"public"`
	ShareToken            string     `json:"share_token"`
	ParentChatID          *uuid.UUID `json:"parent_chat_id,omitempty"`
	BranchedFromMessageID string     `json:"branched_from_message_id,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}
