// Package vapi is a typed client for the Vapi voice AI platform.
//
// The client performs no retries; retry policy belongs to callers.
// Every non-2xx response surfaces as *APIError so callers can tell an
// upstream failure apart from transport or encoding problems.
package vapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// EndedReasonAssistantEnded is the platform's assistant-initiated-completion
// code. A call ending this way counts as a success for an A/B test arm.
const EndedReasonAssistantEnded = "assistant-ended-call"

// APIError is a non-2xx response from the platform.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vapi: %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Call is a call record as returned by the platform.
type Call struct {
	ID          string    `json:"id"`
	AssistantID string    `json:"assistantId"`
	Status      string    `json:"status"`
	EndedReason string    `json:"endedReason"`
	Transcript  string    `json:"transcript,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	EndedAt     time.Time `json:"endedAt,omitempty"`
}

// ModelMessage is one entry in an assistant's model message list.
type ModelMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Model is the language-model block of an assistant configuration.
type Model struct {
	Provider string         `json:"provider"`
	Model    string         `json:"model"`
	Messages []ModelMessage `json:"messages,omitempty"`
}

// Assistant is a bot configuration on the platform. Voice is carried as an
// opaque document so cloning preserves fields this client doesn't model.
type Assistant struct {
	ID           string          `json:"id,omitempty"`
	Name         string          `json:"name"`
	Model        Model           `json:"model"`
	Voice        json.RawMessage `json:"voice,omitempty"`
	FirstMessage string          `json:"firstMessage,omitempty"`
}

// SystemPrompt returns the content of the assistant's system message,
// or "" if there is none.
func (a *Assistant) SystemPrompt() string {
	for _, m := range a.Model.Messages {
		if m.Role == "system" {
			return m.Content
		}
	}
	return ""
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.client = hc
	}
}

// WithRateLimit caps outgoing requests per second. Zero disables limiting.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		} else {
			c.limiter = nil
		}
	}
}

// Client talks to the Vapi REST API on behalf of one customer's API key.
type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewClient creates a client for the given API key.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: "https://api.vapi.ai",
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(10), 5),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do performs one request and decodes the response into out (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("vapi: rate limit wait: %w", err)
		}
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("vapi: marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("vapi: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("vapi: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("vapi: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Method:     method,
			Path:       path,
			Body:       string(respBody),
		}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("vapi: unmarshal response: %w", err)
		}
	}
	return nil
}

// ListCalls fetches recent call records.
func (c *Client) ListCalls(ctx context.Context, limit int, createdAfter time.Time) ([]Call, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if !createdAfter.IsZero() {
		q.Set("createdAtGt", createdAfter.UTC().Format(time.RFC3339))
	}

	var calls []Call
	if err := c.do(ctx, http.MethodGet, "/call", q, nil, &calls); err != nil {
		return nil, err
	}
	return calls, nil
}

// GetCall fetches a single call by ID.
func (c *Client) GetCall(ctx context.Context, callID string) (*Call, error) {
	var call Call
	if err := c.do(ctx, http.MethodGet, "/call/"+callID, nil, nil, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// CreateCall initiates a new outbound call.
func (c *Client) CreateCall(ctx context.Context, payload map[string]any) (*Call, error) {
	var call Call
	if err := c.do(ctx, http.MethodPost, "/call", nil, payload, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// GetCallsByAssistant fetches calls for one assistant, for A/B monitoring.
func (c *Client) GetCallsByAssistant(ctx context.Context, assistantID string, createdAfter time.Time, limit int) ([]Call, error) {
	q := url.Values{}
	q.Set("assistantId", assistantID)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if !createdAfter.IsZero() {
		q.Set("createdAtGt", createdAfter.UTC().Format(time.RFC3339))
	}

	var calls []Call
	if err := c.do(ctx, http.MethodGet, "/call", q, nil, &calls); err != nil {
		return nil, err
	}
	return calls, nil
}

// GetAssistant fetches an assistant configuration.
func (c *Client) GetAssistant(ctx context.Context, assistantID string) (*Assistant, error) {
	var a Assistant
	if err := c.do(ctx, http.MethodGet, "/assistant/"+assistantID, nil, nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateAssistant applies a partial update to an assistant.
func (c *Client) UpdateAssistant(ctx context.Context, assistantID string, payload map[string]any) (*Assistant, error) {
	var a Assistant
	if err := c.do(ctx, http.MethodPatch, "/assistant/"+assistantID, nil, payload, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateAssistantPrompt replaces only the assistant's system message.
// Used for the 100% rollout after an A/B win.
func (c *Client) UpdateAssistantPrompt(ctx context.Context, assistantID, prompt string) (*Assistant, error) {
	return c.UpdateAssistant(ctx, assistantID, map[string]any{
		"model": map[string]any{
			"messages": []ModelMessage{
				{Role: "system", Content: prompt},
			},
		},
	})
}

// CreateAssistantVariant clones the base assistant with a different system
// prompt. The platform has no native A/B split, so the shadow assistant
// must be behaviorally identical except for the tested prompt: voice,
// model provider/model, and first message are copied verbatim.
func (c *Client) CreateAssistantVariant(ctx context.Context, baseAssistantID, prompt, variantName string) (*Assistant, error) {
	base, err := c.GetAssistant(ctx, baseAssistantID)
	if err != nil {
		return nil, err
	}

	name := base.Name
	if name == "" {
		name = "Bot"
	}

	clone := Assistant{
		Name: name + " - " + variantName,
		Model: Model{
			Provider: base.Model.Provider,
			Model:    base.Model.Model,
			Messages: []ModelMessage{
				{Role: "system", Content: prompt},
			},
		},
		Voice:        base.Voice,
		FirstMessage: base.FirstMessage,
	}

	var created Assistant
	if err := c.do(ctx, http.MethodPost, "/assistant", nil, clone, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// DeleteAssistant removes an assistant (cleanup after an A/B test).
func (c *Client) DeleteAssistant(ctx context.Context, assistantID string) error {
	return c.do(ctx, http.MethodDelete, "/assistant/"+assistantID, nil, nil, nil)
}
