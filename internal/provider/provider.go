// Package provider defines the model-provider capability: given a prompt and
// history, produce a token stream (or, for image models, a one-shot result).
package provider

import (
	"context"

	"github.com/arborchat/arbor/internal/models"
)

// Turn is one entry of the model input history.
type Turn struct {
	Role models.Role
	Text string
}

// ChatRequest carries everything a streaming generation needs.
type ChatRequest struct {
	Model   string
	History []Turn

	// WebSearch, when set, declares the web-search tool to the model.
	WebSearch        bool
	WebSearchResults int
}

// Delta is one incremental unit received from the model: token text or a
// resolved tool call.
type Delta struct {
	Text     string
	ToolName string
	ToolArgs string
}

// StreamFunc receives deltas in arrival order. Returning an error aborts the
// stream.
type StreamFunc func(Delta) error

// ImageResult is the outcome of a one-shot image generation. Data is empty
// for a content-only response, in which case Text carries the reply.
type ImageResult struct {
	Data []byte
	MIME string
	Text string
}

// Provider is the external model capability.
type Provider interface {
	// StreamChat runs a streaming text generation, invoking fn per delta.
	StreamChat(ctx context.Context, req ChatRequest, fn StreamFunc) error

	// GenerateImage runs a non-streaming image generation.
	GenerateImage(ctx context.Context, model, prompt string) (*ImageResult, error)

	// IsImageModel reports whether the model id selects the image path.
	IsImageModel(model string) bool
}
