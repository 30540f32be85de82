// Package chatsync keeps a signed-in Boya marketplace user's chat state in
// sync: the conversation list, per-conversation message logs, unread
// counters and typing presence, fed by a Socket.IO stream and the REST API.
//
// Example:
//
//	client := chatsync.NewClient("", chatsync.WithBaseURL("http://127.0.0.1:5000"))
//	login, _ := client.Login(ctx, "alice", "secret")
//
//	ledger := chatsync.NewLedger(chatsync.StaticIdentity(login.User.ID))
//	rt := chatsync.NewRealtime(chatsync.SocketDialer{Config: chatsync.RealtimeConfig{
//		URL:           "http://127.0.0.1:5001",
//		AutoReconnect: true,
//	}}, ledger)
//
//	chat := chatsync.NewChat(client, ledger, rt)
//	chat.Connect(ctx, login.AccessToken)
//	chat.LoadConversations(ctx)
//	chat.OpenConversation(ctx, "7", "42")
package chatsync

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
	DefaultBaseURL = "http://127.0.0.1:5000"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the marketplace REST API.
type Client struct {
	token      string
	baseURL    string
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

// NewClient creates a REST client. token may be empty before Login.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
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

// SetToken sets or updates the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) Token() string { return c.token }

func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, int, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// call performs a request and unwraps the {ok, data, error} envelope into
// out. A failed envelope is returned as *APIError.
func (c *Client) call(ctx context.Context, method, path string, body, out interface{}) error {
	data, status, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	res, err := decodeJSON[Result](data)
	if err != nil {
		return fmt.Errorf("%s %s (HTTP %d): %w", method, path, status, err)
	}
	if !res.OK {
		apiErr := res.Error
		if apiErr == nil {
			apiErr = &APIError{Code: "HTTP_ERROR", Message: http.StatusText(status)}
		}
		apiErr.Status = status
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := res.Decode(out); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return nil
}

// ============================================================================
// Auth
// ============================================================================

// Login exchanges credentials for a bearer token and stores it on the client.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginData, error) {
	var out LoginData
	err := c.call(ctx, http.MethodPost, "/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, &out)
	if err != nil {
		return nil, err
	}
	c.SetToken(out.AccessToken)
	return &out, nil
}

// RegisterOptions is the body of POST /auth/register.
type RegisterOptions struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

// Register creates an account. It does not log in.
func (c *Client) Register(ctx context.Context, opts RegisterOptions) (*User, error) {
	var out User
	if err := c.call(ctx, http.MethodPost, "/auth/register", opts, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Me returns the account behind the current token.
func (c *Client) Me(ctx context.Context) (*User, error) {
	if c.token == "" {
		return nil, ErrNotAuthenticated
	}
	var out User
	if err := c.call(ctx, http.MethodGet, "/api/auth/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Logout(ctx context.Context) error {
	if c.token == "" {
		return ErrNotAuthenticated
	}
	if err := c.call(ctx, http.MethodPost, "/api/auth/logout", nil, nil); err != nil {
		return err
	}
	c.SetToken("")
	return nil
}

// ============================================================================
// Messages
// ============================================================================

// Conversations lists the current user's conversations, newest first.
func (c *Client) Conversations(ctx context.Context) ([]ConversationSummary, error) {
	if c.token == "" {
		return nil, ErrNotAuthenticated
	}
	var out []ConversationSummary
	if err := c.call(ctx, http.MethodGet, "/api/messages/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// History fetches the messages exchanged with otherUserID about itemID in
// chronological order. Records without a conversation id get
// ConversationKey of their participants and listing.
func (c *Client) History(ctx context.Context, otherUserID, itemID string) ([]RawMessage, error) {
	if c.token == "" {
		return nil, ErrNotAuthenticated
	}
	path := fmt.Sprintf("/api/messages/conversations/%s/%s", url.PathEscape(otherUserID), url.PathEscape(itemID))
	var out []RawMessage
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	for i := range out {
		fillConversationID(&out[i])
	}
	return out, nil
}

// Send posts a message and returns the server's copy.
func (c *Client) Send(ctx context.Context, toUserID, itemID, content string) (*RawMessage, error) {
	if c.token == "" {
		return nil, ErrNotAuthenticated
	}
	body := map[string]interface{}{
		"to_user_id": wireID(toUserID),
		"item_id":    wireID(itemID),
		"content":    content,
	}
	var out RawMessage
	if err := c.call(ctx, http.MethodPost, "/api/messages", body, &out); err != nil {
		return nil, err
	}
	fillConversationID(&out)
	return &out, nil
}

func fillConversationID(raw *RawMessage) {
	if raw.ConversationID != "" || raw.FromUserID == "" || raw.ToUserID == "" {
		return
	}
	raw.ConversationID = FlexID(ConversationKey(string(raw.FromUserID), string(raw.ToUserID), string(raw.ItemID)))
}

// wireID sends numeric ids as JSON numbers, which is what the backend stores.
func wireID(id string) interface{} {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}
