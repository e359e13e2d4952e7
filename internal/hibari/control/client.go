package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bdobrica/Hibari/common/trace"
)

const defaultTimeout = 10 * time.Second

// ErrNotFound is returned when the server has no live session for an id.
var ErrNotFound = errors.New("no live session")

// Client talks to the control API of a running server.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient returns a Client for baseURL, e.g. "http://127.0.0.1:8790".
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", &resp); err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}
	return &resp, nil
}

// Conversations lists the live sessions.
func (c *Client) Conversations(ctx context.Context) ([]ConversationStatus, error) {
	var resp []ConversationStatus
	if err := c.do(ctx, http.MethodGet, "/conversations", &resp); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return resp, nil
}

// Conversation returns the status of one live session.
func (c *Client) Conversation(ctx context.Context, id string) (*ConversationStatus, error) {
	return c.act(ctx, http.MethodGet, id, "")
}

// Mute silences a live session for its configured mute duration.
func (c *Client) Mute(ctx context.Context, id string) (*ConversationStatus, error) {
	return c.act(ctx, http.MethodPost, id, "mute")
}

// Unmute lifts a mute.
func (c *Client) Unmute(ctx context.Context, id string) (*ConversationStatus, error) {
	return c.act(ctx, http.MethodPost, id, "unmute")
}

// Reset stops the session of id and deletes its saved window.
func (c *Client) Reset(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, conversationPath(id, "reset"), nil)
}

// SetEnabled switches the assistant on or off in a conversation.
func (c *Client) SetEnabled(ctx context.Context, id string, enabled bool) error {
	action := "disable"
	if enabled {
		action = "enable"
	}
	return c.do(ctx, http.MethodPost, conversationPath(id, action), nil)
}

func (c *Client) act(ctx context.Context, method, id, action string) (*ConversationStatus, error) {
	var resp ConversationStatus
	if err := c.do(ctx, method, conversationPath(id, action), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func conversationPath(id, action string) string {
	p := "/conversations/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if traceID := trace.FromContext(ctx); traceID != "" {
		req.Header.Set("X-Trace-ID", traceID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode >= 400 {
		var errResp ErrorResponse
		msg := http.StatusText(resp.StatusCode)
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, msg)
		}
		return fmt.Errorf("%s %s → %d: %s", method, path, resp.StatusCode, msg)
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
