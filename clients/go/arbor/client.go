// Package arbor provides a client for the arbor chat generation API.
package arbor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is an arbor API client. Token is a signed bearer token; mint one
// with cmd/tokengen for local use.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewClient creates a new arbor client.
func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// doRequest performs an HTTP request.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		return nil, fmt.Errorf("arbor error %d: %s", resp.StatusCode, errResp.Error)
	}

	return respBody, nil
}

// Chat represents a conversation.
type Chat struct {
	ID                    string    `json:"id"`
	OwnerID               string    `json:"owner_id"`
	Title                 string    `json:"title"`
	Public                bool      `json:"public"`
	ShareToken            string    `json:"share_token,omitempty"`
	ParentChatID          *string   `json:"parent_chat_id,omitempty"`
	BranchedFromMessageID string    `json:"branched_from_message_id,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Message represents a node in a chat's message tree.
type Message struct {
	ID          string    `json:"id"`
	ChatID      string    `json:"chat_id"`
	ParentID    string    `json:"parent_id,omitempty"`
	Role        string    `json:"role"`
	ContentType string    `json:"content_type"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

// StreamState is the durable snapshot of a chat's generation.
type StreamState struct {
	ChatID    string `json:"chat_id"`
	Status    string `json:"status"`
	Content   string `json:"content,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
}

// StreamEvent is one event from the chat's event stream.
type StreamEvent struct {
	Kind      string       `json:"kind"`
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

// CreateChatRequest is the request body for chat creation.
type CreateChatRequest struct {
	Title string `json:"title"`
}

// CreateChat creates an empty chat.
func (c *Client) CreateChat(ctx context.Context, title string) (*Chat, error) {
	body, _ := json.Marshal(CreateChatRequest{Title: title})
	respBody, err := c.doRequest(ctx, "POST", "/chats", body)
	if err != nil {
		return nil, err
	}

	var chat Chat
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// ChatListResponse is the response from listing chats.
type ChatListResponse struct {
	Chats []Chat `json:"chats"`
}

// ListChats lists the caller's chats.
func (c *Client) ListChats(ctx context.Context, limit, offset int) (*ChatListResponse, error) {
	path := fmt.Sprintf("/chats?limit=%d&offset=%d", limit, offset)
	respBody, err := c.doRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var resp ChatListResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ChatResponse is a chat together with its messages.
type ChatResponse struct {
	Chat     *Chat     `json:"chat"`
	Messages []Message `json:"messages"`
}

// GetChat fetches a chat and its messages.
func (c *Client) GetChat(ctx context.Context, chatID string) (*ChatResponse, error) {
	respBody, err := c.doRequest(ctx, "GET", "/chats/"+chatID, nil)
	if err != nil {
		return nil, err
	}

	var resp ChatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetSharedChat fetches a public chat by its share token. No auth required.
func (c *Client) GetSharedChat(ctx context.Context, token string) (*ChatResponse, error) {
	respBody, err := c.doRequest(ctx, "GET", "/share/"+token, nil)
	if err != nil {
		return nil, err
	}

	var resp ChatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RenameChat renames a chat.
func (c *Client) RenameChat(ctx context.Context, chatID, title string) error {
	body, _ := json.Marshal(map[string]string{"title": title})
	_, err := c.doRequest(ctx, "PATCH", "/chats/"+chatID, body)
	return err
}

// DeleteChat deletes a chat and all its messages.
func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	_, err := c.doRequest(ctx, "DELETE", "/chats/"+chatID, nil)
	return err
}

// SetVisibility flips a chat's public flag.
func (c *Client) SetVisibility(ctx context.Context, chatID string, public bool) error {
	body, _ := json.Marshal(map[string]bool{"public": public})
	_, err := c.doRequest(ctx, "POST", "/chats/"+chatID+"/visibility", body)
	return err
}

// BranchChat copies the conversation up to messageID into a new chat.
func (c *Client) BranchChat(ctx context.Context, chatID, messageID string) (*Chat, error) {
	body, _ := json.Marshal(map[string]string{"message_id": messageID})
	respBody, err := c.doRequest(ctx, "POST", "/chats/"+chatID+"/branch", body)
	if err != nil {
		return nil, err
	}

	var chat Chat
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// GenerateRequest is the request body for submitting a generation.
// Leave ChatID empty to create a new chat in the same call.
type GenerateRequest struct {
	ChatID           string `json:"chat_id,omitempty"`
	Content          string `json:"content"`
	Model            string `json:"model"`
	ParentID         string `json:"parent_id,omitempty"`
	WebSearch        bool   `json:"web_search,omitempty"`
	WebSearchResults int    `json:"web_search_results,omitempty"`
}

// GenerateResponse is the response from submitting a generation.
type GenerateResponse struct {
	JobID string       `json:"job_id"`
	Chat  *Chat        `json:"chat,omitempty"`
	State *StreamState `json:"state,omitempty"`
}

// Generate submits a generation job. The response arrives asynchronously on
// the chat's event stream.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	body, _ := json.Marshal(req)
	respBody, err := c.doRequest(ctx, "POST", "/generate", body)
	if err != nil {
		return nil, err
	}

	var resp GenerateResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EditMessage deletes the message and everything after it, then resubmits
// with the new content from the same position.
func (c *Client) EditMessage(ctx context.Context, chatID, messageID string, req GenerateRequest) (*GenerateResponse, error) {
	body, _ := json.Marshal(req)
	respBody, err := c.doRequest(ctx, "POST", "/chats/"+chatID+"/messages/"+messageID+"/edit", body)
	if err != nil {
		return nil, err
	}

	var resp GenerateResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelStream requests cancellation of the chat's in-flight generation.
func (c *Client) CancelStream(ctx context.Context, chatID string) error {
	_, err := c.doRequest(ctx, "POST", "/chats/"+chatID+"/stream/cancel", nil)
	return err
}

// StreamStatusResponse is the response from the stream status endpoint.
type StreamStatusResponse struct {
	State     *StreamState `json:"state,omitempty"`
	JobID     string       `json:"job_id,omitempty"`
	HasActive bool         `json:"has_active_stream"`
}

// StreamStatus reads the chat's current stream state without subscribing.
func (c *Client) StreamStatus(ctx context.Context, chatID string) (*StreamStatusResponse, error) {
	respBody, err := c.doRequest(ctx, "GET", "/chats/"+chatID+"/stream/status", nil)
	if err != nil {
		return nil, err
	}

	var resp StreamStatusResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SavePartial persists locally-accumulated partial content as an assistant
// message after an interrupted stream.
func (c *Client) SavePartial(ctx context.Context, chatID, content, parentID string) (*Message, error) {
	body, _ := json.Marshal(map[string]string{"content": content, "parent_id": parentID})
	respBody, err := c.doRequest(ctx, "POST", "/chats/"+chatID+"/messages/partial", body)
	if err != nil {
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal(respBody, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Subscribe opens the chat's event stream and invokes fn for each event
// until a terminal event, server close, or context cancellation. Heartbeats
// are filtered out.
func (c *Client) Subscribe(ctx context.Context, chatID string, fn func(StreamEvent) error) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"/chats/"+chatID+"/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	// The stream outlives the default request timeout
	client := &http.Client{Transport: c.HTTPClient.Transport}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		return fmt.Errorf("arbor error %d: %s", resp.StatusCode, errResp.Error)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var kind string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			kind = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if kind == "heartbeat" {
				continue
			}
			var event StreamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				continue
			}
			if event.Kind == "" {
				event.Kind = kind
			}
			if err := fn(event); err != nil {
				return err
			}
		}
	}
	return scanner.Err()
}
