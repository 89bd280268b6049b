// Package heroes is the client-side sync layer for the Heroes marketplace.
//
// It keeps a signed-in user's service requests and chat conversations
// consistent with the backend, applies mutations optimistically, and queues
// mutations made while offline for replay.
//
// Example:
//
//	client := heroes.NewClient(token, heroes.WithBaseURL("https://api.heroes.example"))
//	defer client.Close()
//
//	sess, _ := heroes.NewSession(ctx, client, userID, heroes.RoleRequester, nil)
//	defer sess.Close()
//	sess.Start(ctx)
//
//	sess.Requests.Create(ctx, heroes.CreateRequestInput{...})
//	sess.Chat.Send(ctx, conversationID, "On my way")
package heroes

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

const (
	DefaultBaseURL = "https://api.heroes.app"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST + WebSocket Backend.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	rtConfig   RealtimeConfig
	rt         *Realtime
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

// WithRealtimeConfig tunes the change-stream connection. Token is filled in
// from the client.
func WithRealtimeConfig(cfg RealtimeConfig) ClientOption {
	return func(c *Client) { c.rtConfig = cfg }
}

// NewClient creates a client authenticating with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		rtConfig: RealtimeConfig{AutoReconnect: true},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.rtConfig.Token = c.token
	if c.rtConfig.HTTPClient == nil {
		// The socket outlives any request timeout; handshakes are bounded by ctx.
		hc := *c.httpClient
		hc.Timeout = 0
		c.rtConfig.HTTPClient = &hc
	}
	c.rt = NewRealtime(c.baseURL, &c.rtConfig)
	return c
}

// Realtime returns the underlying change-stream connection.
func (c *Client) Realtime() *Realtime {
	return c.rt
}

// OnReconnect registers fn to run after the realtime connection recovers.
func (c *Client) OnReconnect(fn func()) {
	c.rt.OnReconnect(fn)
}

// Close closes the realtime connection.
func (c *Client) Close() error {
	return c.rt.Close()
}

var (
	_ Backend           = (*Client)(nil)
	_ ReconnectNotifier = (*Client)(nil)
)

// ============================================================================
// Internal request helper
// ============================================================================

// do sends one request and decodes the envelope's data into out (if non-nil).
// Non-2xx statuses and envelopes with ok=false become *APIError.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query url.Values, out interface{}) error {
	data, status, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return err
	}

	result, decodeErr := decodeJSON[Result](data)
	if status < 200 || status > 299 {
		apiErr := &APIError{Code: http.StatusText(status), Message: strings.TrimSpace(string(data)), Status: status}
		if decodeErr == nil && result.Error != nil {
			apiErr.Code, apiErr.Message = result.Error.Code, result.Error.Message
		}
		return apiErr
	}
	if decodeErr != nil {
		return decodeErr
	}
	if !result.OK {
		apiErr := &APIError{Code: "UNKNOWN", Message: "request failed", Status: status}
		if result.Error != nil {
			apiErr.Code, apiErr.Message = result.Error.Code, result.Error.Message
		}
		return apiErr
	}
	if out != nil {
		if err := result.Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s %s: %w", method, path, err)
		}
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) ([]byte, int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
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
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
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

// ============================================================================
// Requests
// ============================================================================

func (c *Client) ListRequests(ctx context.Context, userID string, role Role) ([]ServiceRequest, error) {
	var out []ServiceRequest
	q := url.Values{"userId": {userID}, "role": {string(role)}}
	err := c.do(ctx, http.MethodGet, "/api/requests", nil, q, &out)
	return out, err
}

func (c *Client) ListAvailableRequests(ctx context.Context, providerID string) ([]ServiceRequest, error) {
	var out []ServiceRequest
	q := url.Values{"providerId": {providerID}}
	err := c.do(ctx, http.MethodGet, "/api/requests/available", nil, q, &out)
	return out, err
}

func (c *Client) CreateRequest(ctx context.Context, in CreateRequestInput) (ServiceRequest, error) {
	var out ServiceRequest
	err := c.do(ctx, http.MethodPost, "/api/requests", in, nil, &out)
	return out, err
}

func (c *Client) UpdateRequest(ctx context.Context, id string, fields UpdateRequestFields) (ServiceRequest, error) {
	var out ServiceRequest
	err := c.do(ctx, http.MethodPatch, "/api/requests/"+url.PathEscape(id), fields, nil, &out)
	return out, err
}

// ── Acceptances ──────────────────────────────────────────

func (c *Client) CreateAcceptance(ctx context.Context, requestID, providerID string) (Acceptance, error) {
	var out Acceptance
	body := map[string]string{"providerId": providerID}
	err := c.do(ctx, http.MethodPost, "/api/requests/"+url.PathEscape(requestID)+"/acceptances", body, nil, &out)
	return out, err
}

func (c *Client) ListAcceptances(ctx context.Context, requestID string) ([]Acceptance, error) {
	var out []Acceptance
	err := c.do(ctx, http.MethodGet, "/api/requests/"+url.PathEscape(requestID)+"/acceptances", nil, nil, &out)
	return out, err
}

func (c *Client) ChooseAcceptance(ctx context.Context, requestID, providerID, requesterID string) (ServiceRequest, error) {
	var out ServiceRequest
	body := map[string]string{"providerId": providerID, "requesterId": requesterID}
	err := c.do(ctx, http.MethodPost, "/api/requests/"+url.PathEscape(requestID)+"/choose", body, nil, &out)
	return out, err
}

// ============================================================================
// Messages
// ============================================================================

func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]ChatMessage, error) {
	var out []ChatMessage
	err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(conversationID)+"/messages", nil, nil, &out)
	return out, err
}

func (c *Client) CreateMessage(ctx context.Context, conversationID, senderID, body string) (ChatMessage, error) {
	var out ChatMessage
	payload := map[string]string{"senderId": senderID, "body": body}
	err := c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(conversationID)+"/messages", payload, nil, &out)
	return out, err
}

// ============================================================================
// Streams
// ============================================================================

func (c *Client) SubscribeChanges(ctx context.Context, topic Topic) (*Subscription, error) {
	return c.rt.SubscribeChanges(ctx, topic)
}

func (c *Client) SubscribePresence(ctx context.Context, conversationID string) (*PresenceSubscription, error) {
	return c.rt.SubscribePresence(ctx, conversationID)
}

func (c *Client) Track(ctx context.Context, conversationID string, entry PresenceEntry) error {
	return c.rt.Track(ctx, conversationID, entry)
}
