package history

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
	"unicode/utf8"

	syncerr "github.com/matheus3301/chatsync/internal/errors"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/tidwall/gjson"
)

const (
	// httpClientTimeout bounds requests made with the default client.
	// Callers normally pass a shorter context deadline.
	httpClientTimeout = 60 * time.Second

	// maxResponseBytes caps response body reads.
	maxResponseBytes = 4 << 20
)

// SendRequest is the body of a message post. The same shape is written as a
// push channel frame.
type SendRequest struct {
	ReceiverID     string `json:"receiver_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content"`
	ClientMsgID    string `json:"client_msg_id,omitempty"`
}

// Client talks to the messenger REST API with a bearer token.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient creates an API client. If httpClient is nil a client with a
// 60-second timeout is used.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

// FetchConversations lists the conversations of the authenticated user.
func (c *Client) FetchConversations(ctx context.Context) ([]model.Conversation, error) {
	body, err := c.do(ctx, http.MethodGet, "/messenger/conversations", nil)
	if err != nil {
		return nil, err
	}
	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		return nil, &syncerr.HistoryFetchError{Message: "conversations: response is not a list"}
	}
	var convs []model.Conversation
	for _, item := range root.Array() {
		conv, err := decodeConversation(item)
		if err != nil {
			return nil, &syncerr.HistoryFetchError{Message: "conversations: " + err.Error()}
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

// FetchMessages returns the history of one conversation.
func (c *Client) FetchMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	path := "/messenger/conversations/" + url.PathEscape(conversationID) + "/messages"
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		return nil, &syncerr.HistoryFetchError{Message: "messages: response is not a list"}
	}
	msgs := make([]model.Message, 0, len(root.Array()))
	for _, item := range root.Array() {
		m, err := decodeMessage(item)
		if err != nil {
			return nil, &syncerr.HistoryFetchError{Message: "messages: " + err.Error()}
		}
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// PostMessage sends a message and returns the server's stored copy.
func (c *Client) PostMessage(ctx context.Context, req SendRequest) (model.Message, error) {
	body, err := c.do(ctx, http.MethodPost, "/messenger/messages", req)
	if err != nil {
		return model.Message{}, err
	}
	m, err := decodeMessage(gjson.ParseBytes(body))
	if err != nil {
		return model.Message{}, &syncerr.HistoryFetchError{Message: "send: " + err.Error()}
	}
	if m.ConversationID == "" {
		m.ConversationID = req.ConversationID
	}
	if m.ClientMsgID == "" {
		m.ClientMsgID = req.ClientMsgID
	}
	return m, nil
}

// do sends a request and returns the response body. Every failure is a
// *errors.HistoryFetchError.
func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &syncerr.HistoryFetchError{Message: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &syncerr.HistoryFetchError{Message: "reading " + path, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &syncerr.HistoryFetchError{
			StatusCode: resp.StatusCode,
			Message:    errorDetail(resp.Status, respBody),
		}
	}
	return respBody, nil
}

// errorDetail prefers the server's "detail" field and falls back to the
// sanitized body, then the status line.
func errorDetail(status string, body []byte) string {
	if gjson.ValidBytes(body) {
		if d := gjson.GetBytes(body, "detail"); d.Exists() {
			if d.Type == gjson.String {
				return d.Str
			}
			return sanitize([]byte(d.Raw))
		}
	}
	if s := strings.TrimSpace(sanitize(body)); s != "" {
		return s
	}
	return status
}

// sanitize truncates body to 256 bytes and replaces control characters.
func sanitize(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}
	var clean []byte
	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		switch {
		case r == utf8.RuneError && size <= 1:
			clean = append(clean, '?')
		case r < 0x20 && r != '\n' && r != '\r' && r != '\t':
			clean = append(clean, '?')
		default:
			clean = append(clean, body[:size]...)
		}
		body = body[size:]
	}
	return string(clean)
}
