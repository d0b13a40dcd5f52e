// Package hearth provides the Go client for Hearth messaging: a realtime
// delivery manager over a single authenticated WebSocket and a REST client
// for history and conversation management.
//
// Example:
//
//	creds := hearth.NewMemoryCredentials("token")
//	client := hearth.NewClient(creds)
//
//	dm := client.Realtime(hearth.RealtimeConfig{})
//	if err := dm.Connect(ctx); err != nil { ... }
//	defer dm.Close()
//
//	unsub := dm.SubscribeToMessages("conv-1", func(m hearth.Message) {
//		fmt.Println(m.SenderID, m.Content)
//	})
//	defer unsub()
//
//	msg, err := dm.SendMessage(ctx, "conv-1", "hi")
package hearth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL     = "https://api.hearth.social/api"
	DefaultRealtimeURL = "wss://api.hearth.social/ws"
	DefaultTimeout     = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client. Every request carries the bearer token read
// from its CredentialSource at call time.
type Client struct {
	creds      CredentialSource
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates a new REST client.
func NewClient(creds CredentialSource, opts ...ClientOption) *Client {
	c := &Client{
		creds:   creds,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Realtime creates a delivery manager sharing this client's credentials.
// REST history loaded through it lands in the manager's cache.
func (c *Client) Realtime(cfg RealtimeConfig) *DeliveryManager {
	return NewDeliveryManager(cfg, c.creds, c)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) (*Result, error) {
	token, err := c.creds.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	if token == "" {
		return nil, fmt.Errorf("%w: no token available", ErrAuthentication)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
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
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
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

	var result Result
	if len(data) > 0 {
		if err := json.Unmarshal(data, &result); err != nil && resp.StatusCode < 300 {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	if resp.StatusCode >= 300 || (len(data) > 0 && !result.OK) {
		apiErr := result.Error
		if apiErr == nil {
			apiErr = &APIError{Message: http.StatusText(resp.StatusCode)}
		}
		apiErr.Status = resp.StatusCode
		return nil, apiErr
	}
	return &result, nil
}

func decodeData[T any](res *Result) (T, error) {
	var v T
	if err := res.Decode(&v); err != nil {
		return v, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return v, nil
}

func conversationPath(id string) string {
	return "/messages/conversations/" + url.PathEscape(id)
}

// ============================================================================
// Conversations
// ============================================================================

func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	res, err := c.doRequest(ctx, http.MethodGet, "/messages/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[[]Conversation](res)
}

func (c *Client) CreateConversation(ctx context.Context, opts *CreateConversationOptions) (*Conversation, error) {
	if opts == nil || len(opts.ParticipantIDs) == 0 {
		return nil, &APIError{Code: "INVALID_INPUT", Message: "participant_ids are required"}
	}
	res, err := c.doRequest(ctx, http.MethodPost, "/messages/conversations", opts, nil)
	if err != nil {
		return nil, err
	}
	conv, err := decodeData[Conversation](res)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, conversationPath(conversationID)+"/mark-read", nil, nil)
	return err
}

func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	res, err := c.doRequest(ctx, http.MethodGet, "/messages/unread-count", nil, nil)
	if err != nil {
		return 0, err
	}
	data, err := decodeData[unreadCountData](res)
	return data.Count, err
}

// ============================================================================
// Messages
// ============================================================================

// GetMessages returns a page of history, oldest first.
func (c *Client) GetMessages(ctx context.Context, conversationID string, opts *PageOptions) ([]Message, error) {
	query := url.Values{}
	if opts != nil {
		if opts.Limit > 0 {
			query.Set("limit", strconv.Itoa(opts.Limit))
		}
		if !opts.Before.IsZero() {
			query.Set("before", opts.Before.UTC().Format(time.RFC3339Nano))
		}
	}
	res, err := c.doRequest(ctx, http.MethodGet, conversationPath(conversationID)+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	msgs, err := decodeData[[]Message](res)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		if msgs[i].ConversationID == "" {
			msgs[i].ConversationID = conversationID
		}
	}
	sortMessages(msgs)
	return msgs, nil
}

func (c *Client) SearchMessages(ctx context.Context, query string, opts *SearchOptions) ([]Message, error) {
	q := url.Values{"q": {query}}
	if opts != nil {
		if opts.ConversationID != "" {
			q.Set("conversation_id", opts.ConversationID)
		}
		if opts.Limit > 0 {
			q.Set("limit", strconv.Itoa(opts.Limit))
		}
	}
	res, err := c.doRequest(ctx, http.MethodGet, "/messages/search", nil, q)
	if err != nil {
		return nil, err
	}
	return decodeData[[]Message](res)
}
