package kiosk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"locker-coordinator/internal/liveness"
	"locker-coordinator/internal/queue"
)

// Queue is the delivery contract between a kiosk and the coordinator.
type Queue interface {
	Poll(ctx context.Context, kioskID string) ([]queue.View, error)
	Start(ctx context.Context, kioskID, id string) (bool, error)
	RecordAttempt(ctx context.Context, kioskID, id, cause string) error
	Complete(ctx context.Context, kioskID, id string) error
	Fail(ctx context.Context, kioskID, id, cause string) error
	Restart(ctx context.Context, kioskID string, md liveness.Metadata) (int, error)
	Heartbeat(ctx context.Context, kioskID string, md liveness.Metadata) error
}

// APIError is a non-2xx answer from the coordinator.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("coordinator returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the coordinator or a missing
// command in a local queue.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusNotFound
	}
	return errors.Is(err, queue.ErrNotFound)
}

// Client talks to the coordinator HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
}

var _ Queue = (*Client)(nil)

// NewClient creates a client for the coordinator at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type pollResponse struct {
	Commands []queue.View `json:"commands"`
}

type startResponse struct {
	Claimed bool `json:"claimed"`
}

type errorRequest struct {
	Error string `json:"error"`
}

type restartResponse struct {
	Cleared int `json:"cleared"`
}

func (c *Client) Poll(ctx context.Context, kioskID string) ([]queue.View, error) {
	var resp pollResponse
	if err := c.do(ctx, http.MethodGet, kioskPath(kioskID, "commands"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Commands, nil
}

func (c *Client) Start(ctx context.Context, kioskID, id string) (bool, error) {
	var resp startResponse
	if err := c.do(ctx, http.MethodPost, commandPath(kioskID, id, "start"), nil, &resp); err != nil {
		return false, err
	}
	return resp.Claimed, nil
}

func (c *Client) RecordAttempt(ctx context.Context, kioskID, id, cause string) error {
	return c.do(ctx, http.MethodPost, commandPath(kioskID, id, "attempt"), errorRequest{Error: cause}, nil)
}

func (c *Client) Complete(ctx context.Context, kioskID, id string) error {
	return c.do(ctx, http.MethodPost, commandPath(kioskID, id, "complete"), nil, nil)
}

func (c *Client) Fail(ctx context.Context, kioskID, id, cause string) error {
	return c.do(ctx, http.MethodPost, commandPath(kioskID, id, "fail"), errorRequest{Error: cause}, nil)
}

func (c *Client) Restart(ctx context.Context, kioskID string, md liveness.Metadata) (int, error) {
	var resp restartResponse
	if err := c.do(ctx, http.MethodPost, kioskPath(kioskID, "restart"), md, &resp); err != nil {
		return 0, err
	}
	return resp.Cleared, nil
}

func (c *Client) Heartbeat(ctx context.Context, kioskID string, md liveness.Metadata) error {
	return c.do(ctx, http.MethodPost, kioskPath(kioskID, "heartbeat"), md, nil)
}

// do sends a JSON request and decodes a JSON response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		jsonBody, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request payload: %w", err)
		}
		body = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e errorRequest
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal api response: %w", err)
	}
	return nil
}

func kioskPath(kioskID, action string) string {
	return "/api/kiosks/" + url.PathEscape(kioskID) + "/" + action
}

func commandPath(kioskID, id, action string) string {
	return kioskPath(kioskID, "commands") + "/" + url.PathEscape(id) + "/" + action
}
