package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ============================================================================
// Client
// ============================================================================

const DefaultTimeout = 30 * time.Second

// TokenSource supplies the current bearer token. *TokenIdentity is one.
type TokenSource interface {
	Token() string
}

type staticToken string

func (s staticToken) Token() string { return string(s) }

// Client is the store adapter for the hosted data service. It implements
// MessageStore, HiddenSet and CutoffResolver over the service's REST and
// RPC endpoints, and delegates the change feed to an attached realtime
// client.
type Client struct {
	baseURL    string
	apiKey     string
	tokens     TokenSource
	httpClient *http.Client
	realtime   *RealtimeClient
}

var (
	_ MessageStore   = (*Client)(nil)
	_ HiddenSet      = (*Client)(nil)
	_ CutoffResolver = (*Client)(nil)
)

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithAPIKey sets the project key sent in the apikey header.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithTokenSource reads the bearer token on every request, so refreshed
// tokens are picked up without rebuilding the client.
func WithTokenSource(ts TokenSource) ClientOption {
	return func(c *Client) { c.tokens = ts }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		tokens: staticToken(token),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Realtime creates a realtime client for this service and attaches it as
// the source of Subscribe and WatchCutoff. Call Connect to go live.
func (c *Client) Realtime(config *RealtimeConfig) *RealtimeClient {
	cfg := *config
	if cfg.Token == "" {
		cfg.Token = c.tokens.Token()
	}
	c.realtime = newRealtimeClient(c.baseURL, &cfg)
	return c.realtime
}

// ============================================================================
// Internal request helper
// ============================================================================

type request struct {
	method string
	path   string
	query  url.Values
	body   any
	prefer string
}

func (c *Client) doRequest(ctx context.Context, r request) ([]byte, error) {
	u := c.baseURL + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	var bodyReader io.Reader
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if r.prefer != "" {
		req.Header.Set("Prefer", r.prefer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s %s: %w", ErrNetwork, r.method, r.path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrNetwork, err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return nil, apiErr
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

// decodeSingleRow accepts the representation of one row either bare or
// wrapped in a one-element array.
func decodeSingleRow(data []byte) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		rows, err := decodeJSON[[]wireMessage](trimmed)
		if err != nil {
			return Message{}, err
		}
		if len(*rows) != 1 {
			return Message{}, fmt.Errorf("%w: expected 1 row, got %d", ErrMalformedRow, len(*rows))
		}
		return (*rows)[0].message()
	}
	row, err := decodeJSON[wireMessage](trimmed)
	if err != nil {
		return Message{}, err
	}
	return row.message()
}

func eq(v string) string { return "eq." + v }

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// ============================================================================
// MessageStore
// ============================================================================

// FetchPage returns the newest rows of conv matching q, newest first.
func (c *Client) FetchPage(ctx context.Context, conv ConversationID, q PageQuery) ([]Message, error) {
	query := url.Values{}
	query.Set("select", "*")
	query.Set("conversation_id", eq(string(conv)))
	query.Set("deleted_at", "is.null")
	query.Set("order", "created_at.desc,id.desc")
	if q.Limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", q.Limit))
	}
	if q.Before != nil {
		query.Add("created_at", "lt."+ts(*q.Before))
	}
	if q.Since != nil {
		query.Add("created_at", "gte."+ts(*q.Since))
	}

	data, err := c.doRequest(ctx, request{method: "GET", path: "/rest/v1/messages", query: query})
	if err != nil {
		return nil, err
	}
	rows, err := decodeJSON[[]wireMessage](data)
	if err != nil {
		return nil, err
	}
	return decodeRows(*rows)
}

func (c *Client) Insert(ctx context.Context, conv ConversationID, sender ActorID, body, clientID string) (Message, error) {
	payload := map[string]any{
		"conversation_id": conv,
		"sender_actor_id": sender,
		"body":            body,
	}
	if clientID != "" {
		payload["client_id"] = clientID
	}
	data, err := c.doRequest(ctx, request{
		method: "POST",
		path:   "/rest/v1/messages",
		body:   payload,
		prefer: "return=representation",
	})
	if err != nil {
		return Message{}, err
	}
	return decodeSingleRow(data)
}

func (c *Client) Edit(ctx context.Context, id MessageID, actor ActorID, body string) (Message, error) {
	data, err := c.doRequest(ctx, request{
		method: "POST",
		path:   "/rest/v1/rpc/edit_message",
		body: map[string]any{
			"p_message_id": id,
			"p_actor_id":   actor,
			"p_body":       body,
		},
	})
	if err != nil {
		return Message{}, err
	}
	return decodeSingleRow(data)
}

func (c *Client) Unsend(ctx context.Context, id MessageID, actor ActorID) (Message, error) {
	data, err := c.doRequest(ctx, request{
		method: "POST",
		path:   "/rest/v1/rpc/unsend_message",
		body: map[string]any{
			"p_message_id": id,
			"p_actor_id":   actor,
		},
	})
	if err != nil {
		return Message{}, err
	}
	return decodeSingleRow(data)
}

// Subscribe joins conv on the attached realtime client.
func (c *Client) Subscribe(ctx context.Context, conv ConversationID) (*Subscription, error) {
	if c.realtime == nil {
		return nil, fmt.Errorf("%w: realtime client not attached", ErrNotReady)
	}
	return c.realtime.Subscribe(ctx, conv)
}

// ============================================================================
// HiddenSet
// ============================================================================

func (c *Client) ResolveHidden(ctx context.Context, actor ActorID, ids []MessageID) (map[MessageID]struct{}, error) {
	hidden := make(map[MessageID]struct{})
	if len(ids) == 0 {
		return hidden, nil
	}
	list := make([]string, len(ids))
	for i, id := range ids {
		list[i] = string(id)
	}
	query := url.Values{}
	query.Set("select", "message_id")
	query.Set("actor_id", eq(string(actor)))
	query.Set("message_id", "in.("+strings.Join(list, ",")+")")

	data, err := c.doRequest(ctx, request{method: "GET", path: "/rest/v1/message_hides", query: query})
	if err != nil {
		return nil, err
	}
	rows, err := decodeJSON[[]struct {
		MessageID string `json:"message_id"`
	}](data)
	if err != nil {
		return nil, err
	}
	for _, r := range *rows {
		hidden[MessageID(r.MessageID)] = struct{}{}
	}
	return hidden, nil
}

func (c *Client) Hide(ctx context.Context, actor ActorID, id MessageID) error {
	_, err := c.doRequest(ctx, request{
		method: "POST",
		path:   "/rest/v1/message_hides",
		body: map[string]any{
			"actor_id":   actor,
			"message_id": id,
		},
		prefer: "resolution=ignore-duplicates",
	})
	return err
}

// ============================================================================
// CutoffResolver
// ============================================================================

func (c *Client) Cutoff(ctx context.Context, actor ActorID, conv ConversationID) (*time.Time, error) {
	query := url.Values{}
	query.Set("select", "history_cutoff_at")
	query.Set("actor_id", eq(string(actor)))
	query.Set("conversation_id", eq(string(conv)))

	data, err := c.doRequest(ctx, request{method: "GET", path: "/rest/v1/conversation_cutoffs", query: query})
	if err != nil {
		return nil, err
	}
	rows, err := decodeJSON[[]struct {
		HistoryCutoffAt *time.Time `json:"history_cutoff_at"`
	}](data)
	if err != nil {
		return nil, err
	}
	if len(*rows) == 0 || (*rows)[0].HistoryCutoffAt == nil {
		return nil, nil
	}
	t := (*rows)[0].HistoryCutoffAt.UTC()
	return &t, nil
}

func (c *Client) ClearHistory(ctx context.Context, actor ActorID, conv ConversationID) (time.Time, error) {
	data, err := c.doRequest(ctx, request{
		method: "POST",
		path:   "/rest/v1/rpc/clear_conversation_history",
		body: map[string]any{
			"p_actor_id":        actor,
			"p_conversation_id": conv,
		},
	})
	if err != nil {
		return time.Time{}, err
	}
	at, err := decodeJSON[time.Time](data)
	if err != nil {
		return time.Time{}, err
	}
	return at.UTC(), nil
}

// WatchCutoff relays cutoff.changed events from the attached realtime
// client. Without one it returns a nil channel and the engine only learns
// of cutoffs it advances itself.
func (c *Client) WatchCutoff(ctx context.Context, actor ActorID, conv ConversationID) (<-chan time.Time, error) {
	if c.realtime == nil {
		return nil, nil
	}
	return c.realtime.WatchCutoff(ctx, actor, conv), nil
}
