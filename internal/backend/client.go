package backend

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

	"github.com/user/streamchat/internal/types"
	"github.com/user/streamchat/pkg/llm"
)

const (
	defaultTimeout  = 60 * time.Second
	maxErrorExcerpt = 512
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

var _ types.Backend = (*Client)(nil)

// Client talks to the chat backend's REST and stream endpoints.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	// streamClient has no overall timeout; streams are bounded by context.
	streamClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sends key as a bearer token on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithTimeout sets the timeout for non-streaming requests.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient replaces the transport used for all requests. Its timeout
// applies to non-streaming requests only.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		timeout := hc.Timeout
		c.httpClient = &http.Client{Transport: hc.Transport, Timeout: timeout}
		c.streamClient = &http.Client{Transport: hc.Transport}
	}
}

// New creates a client for the backend at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: defaultTimeout},
		streamClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListSessions returns all sessions in server order.
func (c *Client) ListSessions(ctx context.Context) ([]types.Session, error) {
	var sessions []types.Session
	if err := c.do(ctx, http.MethodGet, "/chats/", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// CreateSession creates a session with the given title.
func (c *Client) CreateSession(ctx context.Context, title string) (*types.Session, error) {
	var session types.Session
	if err := c.do(ctx, http.MethodPost, "/chats/", map[string]string{"title": title}, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// DeleteSession deletes a session and its messages.
func (c *Client) DeleteSession(ctx context.Context, id types.SessionID) error {
	return c.do(ctx, http.MethodDelete, sessionPath(id, ""), nil, nil)
}

// ListMessages returns a session's messages in chronological order.
func (c *Client) ListMessages(ctx context.Context, id types.SessionID) ([]types.Message, error) {
	var messages []types.Message
	if err := c.do(ctx, http.MethodGet, sessionPath(id, "/messages"), nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// PostMessage persists msg and returns the canonical message.
func (c *Client) PostMessage(ctx context.Context, id types.SessionID, msg types.NewMessage) (*types.Message, error) {
	var created types.Message
	if err := c.do(ctx, http.MethodPost, sessionPath(id, "/messages"), msg, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// OpenStream asks the backend to generate a reply for the session's current
// history and returns the event stream. The stream is bound to ctx.
func (c *Client) OpenStream(ctx context.Context, id types.SessionID) (*llm.Stream, error) {
	req, err := c.newRequest(ctx, http.MethodPost, sessionPath(id, "/stream"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", llm.ErrStreamUnavailable, err)
	}
	return llm.FromResponse(ctx, resp)
}

func sessionPath(id types.SessionID, suffix string) string {
	return "/chats/" + url.PathEscape(string(id)) + suffix
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorExcerpt))
		return &StatusError{
			Method: method,
			Path:   path,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(excerpt)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}
