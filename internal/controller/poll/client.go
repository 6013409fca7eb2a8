package poll

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// rpcPath is the controller's stateless request/response endpoint.
	rpcPath = "/api/v1/rpc"

	// opGetAllStates requests the full state of every instance of one
	// entity type.
	opGetAllStates = "GetAllStates"

	defaultRequestTimeout = 15 * time.Second

	// maxResponseSize bounds response bodies. Full-state polls of large
	// installations run to hundreds of kilobytes, never megabytes.
	maxResponseSize = 8 << 20
)

// SessionSource supplies and invalidates bearer tokens. Satisfied by
// *session.Manager.
type SessionSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config contains polling client settings.
type Config struct {
	// BaseURL is the controller's HTTP root (e.g., "https://ctrl:443").
	BaseURL string

	// RequestTimeout bounds each stateless request. Default: 15s.
	RequestTimeout time.Duration

	// HTTPClient overrides the default HTTP client (used by tests).
	HTTPClient *http.Client
}

// InstanceState is one instance's full state as reported by a poll.
type InstanceState struct {
	ID     string         `json:"id"`
	Name   string         `json:"name,omitempty"`
	Values map[string]any `json:"values"`
}

// rpcRequest is the stateless-channel request body. The stateless channel
// speaks the same envelope as the push channel minus the sequence id:
// HTTP itself correlates request and response.
type rpcRequest struct {
	OperationName string `json:"operationName"`
	Args          []any  `json:"args,omitempty"`
}

type rpcResponse struct {
	OperationName string          `json:"operationName"`
	Result        json.RawMessage `json:"result"`
}

// Client issues requests over the controller's stateless channel: periodic
// full-state polls and fallback command dispatch.
//
// Auth: every request carries a bearer token from the SessionSource. On a
// 401 the client invalidates the cached token, re-authenticates once and
// retries the request once. A failed re-authentication propagates to the
// caller; the client never loops on login.
type Client struct {
	cfg      Config
	sessions SessionSource
	http     *http.Client
	logger   Logger
}

// NewClient creates a polling client.
func NewClient(cfg Config, sessions SessionSource) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}

	return &Client{
		cfg:      cfg,
		sessions: sessions,
		http:     httpClient,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the client.
func (c *Client) SetLogger(logger Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// FetchAll retrieves the full state of every instance of one entity type.
func (c *Client) FetchAll(ctx context.Context, entityType string) ([]InstanceState, error) {
	result, err := c.Invoke(ctx, opGetAllStates, []any{entityType})
	if err != nil {
		return nil, err
	}

	var states []InstanceState
	if err := json.Unmarshal(result, &states); err != nil {
		return nil, fmt.Errorf("%w: %s states: %w", ErrMalformedResponse, entityType, err)
	}
	return states, nil
}

// Invoke sends one operation over the stateless channel and returns its
// raw result. Used directly by command dispatch for fallback commands.
func (c *Client) Invoke(ctx context.Context, operation string, args []any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{OperationName: operation, Args: args})
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s: %w", ErrRequestFailed, operation, err)
	}

	resp, status, err := c.send(ctx, body)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized {
		// Token expired or revoked server-side. Refresh once and retry
		// once; a failed refresh raises here rather than being swallowed.
		c.logger.Debug("stateless request unauthorized, refreshing token", "operation", operation)
		c.sessions.Invalidate()

		resp, status, err = c.send(ctx, body)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %s rejected after token refresh", ErrUnauthorized, operation)
		}
	}

	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrRequestFailed, operation, status)
	}

	var decoded rpcResponse
	if err := json.Unmarshal(resp, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedResponse, operation, err)
	}
	return decoded.Result, nil
}

// send performs one HTTP exchange and returns the body and status.
func (c *Client) send(ctx context.Context, body []byte) ([]byte, int, error) {
	token, err := c.sessions.Token(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: token: %w", ErrRequestFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+rpcPath, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: build request: %w", ErrRequestFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: read response: %w", ErrRequestFailed, err)
	}
	return data, resp.StatusCode, nil
}
