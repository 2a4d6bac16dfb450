package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ContentType discriminates the stored content payload.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentParts ContentType = "parts"
	ContentImage ContentType = "image"
)

// Message is one turn in a chat. ParentID is empty only for the first message
// of a chat or a branch root; following parent pointers always terminates
// within the same chat.
type Message struct {
	ID          string      `json:"id"` // ULID
	ChatID      uuid.UUID   `json:"chat_id"`
	ParentID    string      `json:"parent_id,omitempty"`
	Role        Role        `json:"role"`
	ContentType ContentType `json:"content_type"`
	Content     string      `json:"content"` // encoded payload, see Content
	CreatedAt   time.Time   `json:"created_at"`
}

// Part is one element of a structured content payload.
type Part struct {
	Type     string `json:"type"` // "text" or "image"
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Content is the tagged union behind the stored content column:
// plain text, an ordered list of parts, or a single image reference.
type Content struct {
	Type     ContentType `json:"type"`
	Text     string      `json:"text,omitempty"`
	Parts    []Part      `json:"parts,omitempty"`
	ImageURL string      `json:"image_url,omitempty"`
}

// TextContent wraps a plain string.
func TextContent(s string) Content {
	return Content{Type: ContentText, Text: s}
}

// ImageContent wraps an image URL reference.
func ImageContent(url string) Content {
	return Content{Type: ContentImage, ImageURL: url}
}

// Empty reports whether the content carries nothing to send to a model.
func (c Content) Empty() bool {
	switch c.Type {
	case ContentText:
		return strings.TrimSpace(c.Text) == ""
	case ContentParts:
		return len(c.Parts) == 0
	case ContentImage:
		return c.ImageURL == ""
	}
	return true
}

// Encode serializes the payload for the stored string column. Plain text is
// stored verbatim; parts and image references are stored as JSON.
func (c Content) Encode() (string, error) {
	switch c.Type {
	case ContentText:
		return c.Text, nil
	case ContentParts:
		data, err := json.Marshal(c.Parts)
		if err != nil {
			return "", err
		}
		return string(data), nil
	case ContentImage:
		return c.ImageURL, nil
	}
	return "", fmt.Errorf("unknown content type %q", c.Type)
}

// DecodeContent rebuilds the union from a stored column value.
func DecodeContent(typ ContentType, raw string) (Content, error) {
	switch typ {
	case ContentText:
		return Content{Type: ContentText, Text: raw}, nil
	case ContentParts:
		var parts []Part
		if err := json.Unmarshal([]byte(raw), &parts); err != nil {
			return Content{}, err
		}
		return Content{Type: ContentParts, Parts: parts}, nil
	case ContentImage:
		return Content{Type: ContentImage, ImageURL: raw}, nil
	}
	return Content{}, fmt.Errorf("unknown content type %q", typ)
}

// Flatten renders the content as plain text for model history. Image parts
// collapse to their URL so the model still sees the reference.
func (c Content) Flatten() string {
	switch c.Type {
	case ContentText:
		return c.Text
	case ContentImage:
		return c.ImageURL
	case ContentParts:
		var b strings.Builder
		for i, p := range c.Parts {
			if i > 0 {
				b.WriteString("\n")
			}
			if p.Type == "image" {
				b.WriteString(p.ImageURL)
			} else {
				b.WriteString(p.Text)
			}
		}
		return b.String()
	}
	return ""
}
