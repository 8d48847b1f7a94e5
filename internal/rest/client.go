// Package rest is the HTTP client for the server's REST API. It carries
// the send fallback used when the realtime session is down, plus the
// conversation and history reads the sync engine backfills from.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tcardozo/mingle/internal/store"
	"github.com/tcardozo/mingle/internal/transport"
)

const DefaultTimeout = 30 * time.Second

// APIError is a structured error body returned by the server.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a REST client against baseURL. token may be empty
// until login; set it later with SetToken.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token. Safe to call while requests are in
// flight; they keep the token they started with.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var wrapper struct {
			Error *APIError `json:"error"`
		}
		if json.Unmarshal(data, &wrapper) == nil && wrapper.Error != nil {
			return nil, wrapper.Error
		}
		return nil, &APIError{Code: http.StatusText(resp.StatusCode), Message: strings.TrimSpace(string(data))}
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// conversationPayload is the wire shape of a conversation summary.
type conversationPayload struct {
	ID            string                    `json:"id"`
	Participants  []string                  `json:"participants"`
	LastMessage   *transport.MessagePayload `json:"lastMessage,omitempty"`
	LastMessageAt int64                     `json:"lastMessageAt"`
	UnreadCount   int                       `json:"unreadCount"`
	Archived      bool                      `json:"archived"`
	Muted         bool                      `json:"muted"`
}

func toConversation(p conversationPayload) *store.Conversation {
	conv := &store.Conversation{
		ID:            p.ID,
		Participants:  p.Participants,
		LastMessageAt: p.LastMessageAt,
		UnreadCount:   p.UnreadCount,
		Archived:      p.Archived,
		Muted:         p.Muted,
	}
	if p.LastMessage != nil {
		conv.LastMessageID = p.LastMessage.ID
		conv.LastMessageText = p.LastMessage.Content
		conv.LastSenderID = p.LastMessage.SenderID
		if conv.LastMessageAt == 0 {
			conv.LastMessageAt = p.LastMessage.CreatedAtMs
		}
	}
	return conv
}

func toMessage(p transport.MessagePayload) *store.Message {
	return &store.Message{
		ID:             p.ID,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		Content:        p.Content,
		Type:           p.Type,
		Status:         p.Status,
		CreatedAt:      p.CreatedAtMs,
	}
}

// SendMessage posts a message over HTTP and returns the server's
// persisted copy. Used as the fallback path while realtime is down.
func (c *Client) SendMessage(ctx context.Context, draft transport.SendMessagePayload) (*store.Message, error) {
	data, err := c.doRequest(ctx, "POST", "/api/messages", draft, nil)
	if err != nil {
		return nil, err
	}
	wrapper, err := decodeJSON[struct {
		Message transport.MessagePayload `json:"message"`
	}](data)
	if err != nil {
		return nil, err
	}
	return toMessage(wrapper.Message), nil
}

// MarkRead reports a read receipt for every unread message in the
// conversation.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	_, err := c.doRequest(ctx, "POST", "/api/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil)
	return err
}

// ListConversations fetches the full conversation list, newest first.
func (c *Client) ListConversations(ctx context.Context) ([]*store.Conversation, error) {
	data, err := c.doRequest(ctx, "GET", "/api/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	wrapper, err := decodeJSON[struct {
		Conversations []conversationPayload `json:"conversations"`
	}](data)
	if err != nil {
		return nil, err
	}
	convs := make([]*store.Conversation, 0, len(wrapper.Conversations))
	for _, p := range wrapper.Conversations {
		convs = append(convs, toConversation(p))
	}
	return convs, nil
}

// ListMessages fetches up to limit messages of a conversation older than
// beforeMs (0 means newest). The server returns them ascending.
func (c *Client) ListMessages(ctx context.Context, conversationID string, beforeMs int64, limit int) ([]*store.Message, error) {
	query := map[string]string{}
	if beforeMs > 0 {
		query["before"] = strconv.FormatInt(beforeMs, 10)
	}
	if limit > 0 {
		query["limit"] = strconv.Itoa(limit)
	}
	data, err := c.doRequest(ctx, "GET", "/api/conversations/"+url.PathEscape(conversationID)+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	wrapper, err := decodeJSON[struct {
		Messages []transport.MessagePayload `json:"messages"`
	}](data)
	if err != nil {
		return nil, err
	}
	msgs := make([]*store.Message, 0, len(wrapper.Messages))
	for _, p := range wrapper.Messages {
		msgs = append(msgs, toMessage(p))
	}
	return msgs, nil
}

// UploadAttachment streams a file as multipart form data and returns the
// URL the server stored it under.
func (c *Client) UploadAttachment(ctx context.Context, filename string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return "", fmt.Errorf("failed to build form: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("failed to read attachment: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/uploads", &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		return "", &APIError{Code: http.StatusText(resp.StatusCode), Message: strings.TrimSpace(string(data))}
	}
	wrapper, err := decodeJSON[struct {
		URL string `json:"url"`
	}](data)
	if err != nil {
		return "", err
	}
	return wrapper.URL, nil
}
