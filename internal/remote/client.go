// Package remote is the HTTP client for the durable-write and snapshot API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/victorivanov/retrosync/internal/models"
)

const (
	defaultTimeout  = 15 * time.Second
	defaultPageSize = 100
	maxBodySize     = 4 << 20
)

// HTTPStatusError is returned for non-2xx responses.
type HTTPStatusError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "http status error"
	}
	if e.Code != "" {
		return fmt.Sprintf("status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("status=%d body=%s", e.StatusCode, e.Body)
}

// IsStatus reports whether err is an HTTPStatusError with the given status.
func IsStatus(err error, status int) bool {
	var se *HTTPStatusError
	return errors.As(err, &se) && se.StatusCode == status
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type starResponse struct {
	StarredBy []string `json:"starred_by"`
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithPageSize sets how many messages the initial snapshot requests.
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// Client talks to the server's REST API with a bearer token.
type Client struct {
	http     *http.Client
	baseURL  string
	token    string
	pageSize int
}

// New creates a Client. baseURL is the server root, e.g. https://chat.example.com.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		http:     &http.Client{Timeout: defaultTimeout},
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendMessage creates a message and returns it as stored.
func (c *Client) SendMessage(ctx context.Context, conversationID string, req models.SendRequest) (*models.Message, error) {
	var msg models.Message
	if err := c.do(ctx, http.MethodPost, messagesPath(conversationID), req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ToggleReaction flips the caller's reaction. The server may answer with the
// updated message or with no body.
func (c *Client) ToggleReaction(ctx context.Context, conversationID, messageID, emoji string) (*models.Message, error) {
	path := messagesPath(conversationID) + "/" + url.PathEscape(messageID) + "/reactions/" + url.PathEscape(emoji) + "/toggle"
	var msg models.Message
	ok, err := c.doOptional(ctx, http.MethodPut, path, nil, &msg)
	if err != nil || !ok {
		return nil, err
	}
	return &msg, nil
}

// ToggleStar flips the caller's star and returns the resulting set.
func (c *Client) ToggleStar(ctx context.Context, conversationID, messageID string) ([]string, error) {
	path := messagesPath(conversationID) + "/" + url.PathEscape(messageID) + "/star"
	var resp starResponse
	if err := c.do(ctx, http.MethodPut, path, nil, &resp); err != nil {
		return nil, err
	}
	if resp.StarredBy == nil {
		resp.StarredBy = []string{}
	}
	return resp.StarredBy, nil
}

// DeleteMessage deletes a message.
func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	path := messagesPath(conversationID) + "/" + url.PathEscape(messageID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// ListMessages returns the latest page of a conversation, oldest first.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	path := messagesPath(conversationID) + "?limit=" + strconv.Itoa(c.pageSize)
	var msgs []models.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	// The server pages newest first.
	slices.Reverse(msgs)
	for i := range msgs {
		msgs[i].Lifecycle = models.LifecycleConfirmed
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return msgs, nil
}

// Health checks that the server answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func messagesPath(conversationID string) string {
	return "/api/v1/channels/" + url.PathEscape(conversationID) + "/messages"
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	_, err := c.doOptional(ctx, method, path, body, out)
	return err
}

// doOptional performs the request and decodes the response into out. It
// reports false when the server answered without a body.
func (c *Client) doOptional(ctx context.Context, method, path string, body, out any) (bool, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return false, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return false, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return false, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &HTTPStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		var env errorEnvelope
		if json.Unmarshal(data, &env) == nil {
			se.Code = env.Error.Code
			se.Message = env.Error.Message
		}
		return false, se
	}

	if out == nil || resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(data)) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decoding response: %w", err)
	}
	return true, nil
}
