package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
)

const maxResponseBytes = 4 << 20

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daemon error (%d): %s", e.StatusCode, e.Message)
}

// Client talks to a session daemon over its Unix domain socket.
type Client struct {
	http *http.Client
}

// New returns a client for the daemon listening on socketPath. Nothing is
// dialed until the first request.
func New(socketPath string) *Client {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Client{http: &http.Client{Transport: transport}}
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// Status returns the daemon status.
func (c *Client) Status(ctx context.Context) (api.Status, error) {
	var out api.Status
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, &out)
	return out, err
}

// Conversations lists tracked conversations, refreshing them from the
// history API first when refresh is set.
func (c *Client) Conversations(ctx context.Context, refresh bool) ([]api.Conversation, error) {
	path := "/v1/conversations"
	if refresh {
		path += "?refresh=true"
	}
	var out []api.Conversation
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Messages returns a conversation timeline, reloading history first when
// reload is set.
func (c *Client) Messages(ctx context.Context, conversationID string, reload bool) ([]api.Message, error) {
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	if reload {
		path += "?reload=true"
	}
	var out []api.Message
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Send sends content to a conversation.
func (c *Client) Send(ctx context.Context, conversationID, content string) (api.Message, error) {
	var out api.Message
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	err := c.do(ctx, http.MethodPost, path, api.SendRequest{Content: content}, &out)
	return out, err
}

// NotificationSettings returns the stored notification policy.
func (c *Client) NotificationSettings(ctx context.Context) (api.NotificationSettings, error) {
	var out api.NotificationSettings
	err := c.do(ctx, http.MethodGet, "/v1/settings/notifications", nil, &out)
	return out, err
}

// SetNotificationSettings replaces the notification policy.
func (c *Client) SetNotificationSettings(ctx context.Context, s api.NotificationSettings) (api.NotificationSettings, error) {
	var out api.NotificationSettings
	err := c.do(ctx, http.MethodPut, "/v1/settings/notifications", s, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	// The host is ignored by the unix dialer.
	req, err := http.NewRequestWithContext(ctx, method, "http://daemon"+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr api.Error
		if json.Unmarshal(raw, &apiErr) != nil || apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
