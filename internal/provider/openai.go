package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/arborchat/arbor/internal/apperr"
	"github.com/arborchat/arbor/internal/models"
)

// WebSearchToolName is the function name declared to the model when web
// search is enabled. The deltas are surfaced as tool_call events; execution
// happens outside this service.
const WebSearchToolName = "web_search"

// imageModels selects the non-streaming image path by model id prefix.
var imageModels = []string{"dall-e", "gpt-image"}

// OpenAIProvider implements Provider against an OpenAI-compatible API.
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider creates a provider. baseURL may be empty for the default
// endpoint, or point at any OpenAI-compatible server.
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg)}
}

// IsImageModel reports whether the model id selects the image path.
func (p *OpenAIProvider) IsImageModel(model string) bool {
	for _, prefix := range imageModels {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

func toOpenAIMessages(history []Turn) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, turn := range history {
		role := openai.ChatMessageRoleUser
		switch turn.Role {
		case models.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case models.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case models.RoleTool:
			role = openai.ChatMessageRoleTool
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: turn.Text})
	}
	return msgs
}

func webSearchTool(resultCount int) openai.Tool {
	if resultCount <= 0 {
		resultCount = 3
	}
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        WebSearchToolName,
			Description: "Search the web for up-to-date information.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The search query.",
					},
					"result_count": map[string]any{
						"type":    "integer",
						"default": resultCount,
					},
				},
				"required": []string{"query"},
			},
		},
	}
}

// StreamChat runs a streaming chat completion, forwarding token deltas as
// they arrive. Tool-call fragments are aggregated per call index and emitted
// once complete so fn sees whole arguments.
func (p *OpenAIProvider) StreamChat(ctx context.Context, req ChatRequest, fn StreamFunc) error {
	ocReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.History),
	}
	if req.WebSearch {
		ocReq.Tools = []openai.Tool{webSearchTool(req.WebSearchResults)}
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, ocReq)
	if err != nil {
		return apperr.Wrap(apperr.Upstream, "model stream failed to start", err)
	}
	defer stream.Close()

	type toolAcc struct {
		name string
		args strings.Builder
	}
	pending := map[int]*toolAcc{}

	flushTools := func() error {
		for _, acc := range pending {
			if acc.name == "" {
				continue
			}
			if err := fn(Delta{ToolName: acc.name, ToolArgs: acc.args.String()}); err != nil {
				return err
			}
		}
		pending = map[int]*toolAcc{}
		return nil
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return flushTools()
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return apperr.Wrap(apperr.Upstream, "model stream failed", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}

		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			if err := fn(Delta{Text: delta.Content}); err != nil {
				return err
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			acc, ok := pending[idx]
			if !ok {
				acc = &toolAcc{}
				pending[idx] = acc
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			acc.args.WriteString(tc.Function.Arguments)
		}

		if resp.Choices[0].FinishReason == openai.FinishReasonToolCalls {
			if err := flushTools(); err != nil {
				return err
			}
		}
	}
}

// GenerateImage runs a one-shot image generation and returns the decoded
// binary.
func (p *OpenAIProvider) GenerateImage(ctx context.Context, model, prompt string) (*ImageResult, error) {
	resp, err := p.client.CreateImage(ctx, openai.ImageRequest{
		Model:          model,
		Prompt:         prompt,
		N:              1,
		Size:           openai.CreateImageSize1024x1024,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Upstream, "image generation failed", err)
	}
	if len(resp.Data) == 0 {
		return nil, apperr.E(apperr.Upstream, "image generation returned no data")
	}

	item := resp.Data[0]
	if item.B64JSON == "" {
		// Content-only response; the caller persists it as a text message.
		return &ImageResult{Text: item.RevisedPrompt}, nil
	}

	data, err := base64.StdEncoding.DecodeString(item.B64JSON)
	if err != nil {
		return nil, apperr.Wrap(apperr.Upstream, "image payload decode failed", err)
	}
	return &ImageResult{Data: data, MIME: "image/png"}, nil
}
