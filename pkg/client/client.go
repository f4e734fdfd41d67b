package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrBusy is returned when the daemon is running another operation. The
// accompanying Report is still filled in.
var ErrBusy = errors.New("daemon busy")

// Client talks to a running botctl daemon.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8787/api",
		Timeout: 2 * time.Minute,
	}
}

func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) Provision(ctx context.Context) (Report, error) {
	return c.lifecycle(ctx, "provision")
}

func (c *Client) Start(ctx context.Context) (Report, error) {
	return c.lifecycle(ctx, "start")
}

func (c *Client) Stop(ctx context.Context) (Report, error) {
	return c.lifecycle(ctx, "stop")
}

// Status refreshes and returns the daemon's snapshot.
func (c *Client) Status(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	_, err := c.do(ctx, http.MethodGet, c.baseURL+"/status", &snap)
	return snap, err
}

// Log returns up to tail trailing lines of the worker log.
func (c *Client) Log(ctx context.Context, tail int) (LogTail, error) {
	q := url.Values{}
	q.Set("tail", strconv.Itoa(tail))
	var out LogTail
	_, err := c.do(ctx, http.MethodGet, c.baseURL+"/log?"+q.Encode(), &out)
	return out, err
}

func (c *Client) lifecycle(ctx context.Context, op string) (Report, error) {
	c.logger.Debug("Requesting operation", "op", op)
	var rep Report
	code, err := c.do(ctx, http.MethodPost, c.baseURL+"/"+op, &rep)
	if code == http.StatusConflict {
		return rep, ErrBusy
	}
	if err != nil {
		return rep, err
	}
	c.logger.Debug("Operation completed", "op", op, "outcome", rep.Outcome)
	return rep, nil
}

// do sends the request and decodes a JSON body into out. 200 and 409 carry
// regular payloads; other statuses are decoded as ErrorResponse.
func (c *Client) do(ctx context.Context, method, url string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", url)
		return 0, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusConflict:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
		return resp.StatusCode, nil
	}
	return resp.StatusCode, c.handleErrorResponse(resp)
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		c.logger.Error("Failed to decode error response", "status", resp.StatusCode)
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	c.logger.Error("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return fmt.Errorf("API error: %s", errorResp.Error)
}
