package flowapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/phrazzld/flowbatch/internal/task"
)

// Config holds connection settings for the flow service.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to the flow service. It is safe for concurrent use.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ task.RemoteClient = (*Client)(nil)

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient constructs a client for the service at cfg.BaseURL.
func NewClient(cfg Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("flow api base url cannot be empty")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid flow api base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid flow api base url %q: scheme and host are required", cfg.BaseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		baseURL:    base,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "flowapi"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type invokeBody struct {
	WorkspaceID string      `json:"workspaceId,omitempty"`
	Input       task.Fields `json:"input"`
	Singleton   bool        `json:"singleton,omitempty"`
}

type sessionBody struct {
	WorkspaceID string `json:"workspaceId,omitempty"`
}

type sessionCreated struct {
	SessionID string `json:"sessionId"`
}

type messageBody struct {
	WorkspaceID string `json:"workspaceId,omitempty"`
	Message     string `json:"message"`
}

// Invoke calls POST /flows/{flowId}/invoke.
func (c *Client) Invoke(ctx context.Context, req task.InvokeRequest) (*task.InvokeResponse, error) {
	path := "flows/" + url.PathEscape(req.FlowID) + "/invoke"
	body := invokeBody{
		WorkspaceID: req.WorkspaceID,
		Input:       req.Input,
		Singleton:   req.Singleton,
	}
	if body.Input == nil {
		body.Input = task.Fields{}
	}

	var out task.InvokeResponse
	if err := c.do(ctx, http.MethodPost, path, nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckStatus calls GET /flows/{flowId}/tasks/{taskId}.
func (c *Client) CheckStatus(ctx context.Context, flowID, taskID, workspaceID string) (*task.StatusResponse, error) {
	path := "flows/" + url.PathEscape(flowID) + "/tasks/" + url.PathEscape(taskID)
	query := url.Values{}
	if workspaceID != "" {
		query.Set("workspaceId", workspaceID)
	}

	var out task.StatusResponse
	if err := c.do(ctx, http.MethodGet, path, query, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateSession calls POST /flows/{flowId}/sessions.
func (c *Client) CreateSession(ctx context.Context, flowID, workspaceID string) (string, error) {
	path := "flows/" + url.PathEscape(flowID) + "/sessions"

	var out sessionCreated
	if err := c.do(ctx, http.MethodPost, path, nil, sessionBody{WorkspaceID: workspaceID}, &out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

// InvokeSession calls POST /sessions/{sessionId}/messages.
func (c *Client) InvokeSession(ctx context.Context, sessionID, workspaceID, message string) error {
	path := "sessions/" + url.PathEscape(sessionID) + "/messages"
	return c.do(ctx, http.MethodPost, path, nil, messageBody{WorkspaceID: workspaceID, Message: message}, nil)
}

// PollSession calls GET /sessions/{sessionId}/messages.
func (c *Client) PollSession(ctx context.Context, sessionID, workspaceID string, fromTimestamp int64) (*task.SessionPage, error) {
	path := "sessions/" + url.PathEscape(sessionID) + "/messages"
	query := url.Values{}
	if workspaceID != "" {
		query.Set("workspaceId", workspaceID)
	}
	query.Set("fromTimestamp", strconv.FormatInt(fromTimestamp, 10))

	var out task.SessionPage
	if err := c.do(ctx, http.MethodGet, path, query, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do performs one JSON round trip. A nil out discards the response body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	endpoint := c.baseURL.ResolveReference(&url.URL{Path: path})
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}

	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	c.applyHeaders(req, in != nil)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s /%s: %w", method, path, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s /%s: failed to read response: %w", method, path, err)
	}

	c.logger.Debug("flow api call",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newAPIError(method, "/"+path, resp.StatusCode, body)
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s /%s: failed to decode response: %w", method, path, err)
	}
	return nil
}

func (c *Client) applyHeaders(req *http.Request, hasBody bool) {
	req.Header.Set("Accept", "application/json")
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
