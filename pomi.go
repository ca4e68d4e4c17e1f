// Package pomi is the messaging sync core of the Pomi community app.
//
// It keeps a conversation list and the open message thread consistent with
// the backend while messages flow over a realtime socket, falling back to
// REST when the socket is unavailable.
//
// Example:
//
//	creds := pomi.StaticToken(token)
//	client := pomi.NewClient(creds, pomi.WithBaseURL("https://pomi.example"))
//	ws := client.Realtime(&pomi.RealtimeConfig{AutoReconnect: true})
//
//	m := pomi.NewMessenger(userID, ws, client.Fallback())
//	m.Start(ctx)
//	defer m.Close()
//
//	m.OpenConversation(ctx, "peer-1")
//	m.SendMessage(ctx, "Is this still available?", "listing-42")
package pomi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
	Staging    Environment = "staging"
)

var environments = map[Environment]string{
	Production: "https://pomi.community",
	Staging:    "https://staging.pomi.community",
}

const (
	DefaultBaseURL = "https://pomi.community"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client for the Pomi backend.
type Client struct {
	creds      Credentials
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	Conversations *ConversationsClient
	Messages      *MessagesClient
	Listings      *ListingsClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new Pomi client. creds may be nil for anonymous calls.
func NewClient(creds Credentials, opts ...ClientOption) *Client {
	c := &Client{
		creds:   creds,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Conversations = &ConversationsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Listings = newListingsClient(c)
	return c
}

// BaseURL returns the resolved API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) token() string {
	if c.creds == nil {
		return ""
	}
	return c.creds.Token()
}

// Health checks backend health.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	return doJSON[HealthStatus](ctx, c, http.MethodGet, "/api/health", nil, nil)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (int, []byte, error) {
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
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// doJSON performs a request and unwraps the {ok,data,error} envelope.
func doJSON[T any](ctx context.Context, c *Client, method, path string, body interface{}, query map[string]string) (*T, error) {
	status, data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[Result](data)
	if err != nil {
		return nil, &APIError{Code: fmt.Sprintf("HTTP_%d", status), Message: err.Error()}
	}
	if !result.OK {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, &APIError{Code: fmt.Sprintf("HTTP_%d", status), Message: "request failed"}
	}
	var out T
	if err := result.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response data: %w", err)
	}
	return &out, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Sub-Clients
// ============================================================================

// ConversationsClient handles the conversation list.
type ConversationsClient struct{ c *Client }

// List returns the caller's conversation summaries in backend order.
func (cv *ConversationsClient) List(ctx context.Context) ([]ConversationSummary, error) {
	out, err := doJSON[[]ConversationSummary](ctx, cv.c, http.MethodGet, "/api/messages/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

// MarkRead clears the server-side unread counter for a peer.
func (cv *ConversationsClient) MarkRead(ctx context.Context, peerID string) error {
	_, err := doJSON[json.RawMessage](ctx, cv.c, http.MethodPost, "/api/messages/"+url.PathEscape(peerID)+"/read", nil, nil)
	return err
}

// MessagesClient handles message history and REST sends.
type MessagesClient struct{ c *Client }

// History returns the messages exchanged with a peer.
func (m *MessagesClient) History(ctx context.Context, peerID string) ([]Message, error) {
	out, err := doJSON[[]Message](ctx, m.c, http.MethodGet, "/api/messages/"+url.PathEscape(peerID), nil, nil)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

// Send posts a message. The response carries the server id and timestamp.
func (m *MessagesClient) Send(ctx context.Context, msg OutboundMessage) (*SentMessage, error) {
	return doJSON[SentMessage](ctx, m.c, http.MethodPost, "/api/messages", msg, nil)
}

// ListingsClient fetches marketplace listing summaries.
type ListingsClient struct {
	c  *Client
	cb *gobreaker.CircuitBreaker
}

func newListingsClient(c *Client) *ListingsClient {
	st := gobreaker.Settings{
		Name:        "listings",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.logger.Info("circuit breaker state", "name", name, "from", from.String(), "to", to.String())
		},
	}
	return &ListingsClient{c: c, cb: gobreaker.NewCircuitBreaker(st)}
}

// Get returns the summary of one listing.
func (l *ListingsClient) Get(ctx context.Context, listingID string) (*ListingSummary, error) {
	out, err := l.cb.Execute(func() (interface{}, error) {
		return doJSON[ListingSummary](ctx, l.c, http.MethodGet, "/api/marketplace/listings/"+url.PathEscape(listingID), nil, nil)
	})
	if err != nil {
		return nil, err
	}
	return out.(*ListingSummary), nil
}

// ============================================================================
// Fallback API
// ============================================================================

// API is the request/response surface the Messenger needs. Client
// satisfies it through Fallback; tests substitute their own.
type API interface {
	ListConversations(ctx context.Context) ([]ConversationSummary, error)
	History(ctx context.Context, peerID string) ([]Message, error)
	SendMessage(ctx context.Context, msg OutboundMessage) (*SentMessage, error)
	GetListing(ctx context.Context, listingID string) (*ListingSummary, error)
	MarkRead(ctx context.Context, peerID string) error
}

type restFallback struct{ c *Client }

// Fallback returns the client as an API for the Messenger.
func (c *Client) Fallback() API { return restFallback{c: c} }

func (r restFallback) ListConversations(ctx context.Context) ([]ConversationSummary, error) {
	return r.c.Conversations.List(ctx)
}

func (r restFallback) History(ctx context.Context, peerID string) ([]Message, error) {
	return r.c.Messages.History(ctx, peerID)
}

func (r restFallback) SendMessage(ctx context.Context, msg OutboundMessage) (*SentMessage, error) {
	return r.c.Messages.Send(ctx, msg)
}

func (r restFallback) GetListing(ctx context.Context, listingID string) (*ListingSummary, error) {
	return r.c.Listings.Get(ctx, listingID)
}

func (r restFallback) MarkRead(ctx context.Context, peerID string) error {
	return r.c.Conversations.MarkRead(ctx, peerID)
}
