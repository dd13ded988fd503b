// Package feedomac is the Go client SDK for the Feedomac chat backend.
//
// The SDK centers on Session, which owns the persistent socket connection and
// reconciles paginated history, optimistic local sends, and asynchronous
// server events into consistent per-conversation timelines.
//
// Example:
//
//	creds := feedomac.StaticCredentials("bearer-token")
//	client := feedomac.NewClient(creds, feedomac.WithBaseURL("https://chat.example.com"))
//	session := feedomac.NewSession(client, nil)
//	if err := session.Connect(ctx); err != nil { ... }
//	defer session.Close()
//
//	tempID, _ := session.SendText(conversationID, []int64{peerID}, "hi")
package feedomac

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
	"sync"
	"time"
)

const (
	DefaultBaseURL = "https://chat.feedomac.app"
	DefaultTimeout = 10 * time.Second
)

// ============================================================================
// Credential store contract
// ============================================================================

// CredentialStore abstracts wherever the host application keeps the bearer
// token (secure key-value storage on mobile, a config file for the CLI). The
// SDK only ever reads, replaces, or removes the token through this contract.
type CredentialStore interface {
	Token() (string, error)
	SetToken(token string) error
	ClearToken() error
}

// staticCredentials is an in-memory CredentialStore.
type staticCredentials struct {
	mu    sync.Mutex
	token string
}

// StaticCredentials returns an in-memory CredentialStore holding the given
// token. Useful for tests and short-lived tools.
func StaticCredentials(token string) CredentialStore {
	return &staticCredentials{token: token}
}

func (s *staticCredentials) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *staticCredentials) SetToken(token string) error {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return nil
}

func (s *staticCredentials) ClearToken() error {
	return s.SetToken("")
}

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP collaborator used for the initial history fetch and
// conversation listing. The realtime core treats it as a black box behind
// these typed endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	creds      CredentialStore
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates an API client reading its bearer token from creds.
func NewClient(creds CredentialStore, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		creds: creds,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured backend origin.
func (c *Client) BaseURL() string { return c.baseURL }

// Credentials returns the credential store the client reads from.
func (c *Client) Credentials() CredentialStore { return c.creds }

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
	if token, err := c.creds.Token(); err == nil && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr APIError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return nil, &apiErr
		}
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
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

// ============================================================================
// Endpoints
// ============================================================================

type conversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
}

// ListConversations fetches the conversation list.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[conversationsResponse](data)
	if err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// GetConversation fetches one conversation with its participants.
func (c *Client) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/conversations/"+strconv.FormatInt(id, 10), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

// CreateConversation creates (or resolves) a conversation for the given
// participant user ids.
func (c *Client) CreateConversation(ctx context.Context, userIDs []int64) (*Conversation, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/conversations/create",
		map[string][]int64{"user_ids": userIDs}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

// HistoryPage is one page of message history, newest-first as the backend
// returns it.
type HistoryPage struct {
	Messages []Message `json:"messages"`
	Page     int       `json:"page"`
	HasMore  bool      `json:"has_more"`
}

// MessagesPage fetches one page of a conversation's history. Page numbers
// start at 1.
func (c *Client) MessagesPage(ctx context.Context, conversationID int64, page int) (*HistoryPage, error) {
	if page < 1 {
		page = 1
	}
	data, err := c.doRequest(ctx, http.MethodGet,
		"/messages/"+strconv.FormatInt(conversationID, 10), nil,
		map[string]string{"page": strconv.Itoa(page)})
	if err != nil {
		return nil, err
	}
	hp, err := decodeJSON[HistoryPage](data)
	if err != nil {
		return nil, err
	}
	if hp.Page == 0 {
		hp.Page = page
	}
	return hp, nil
}
