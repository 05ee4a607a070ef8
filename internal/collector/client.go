// Package collector talks to the remote activity collector: it delivers
// segment batches, sends the legacy heartbeat, and reads clock-in status.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pulsed/internal/segment"
)

// DefaultBaseURL is used when no collector URL is configured.
const DefaultBaseURL = "http://localhost:8080/api"

// maxResponseBody caps how much of a response is read.
const maxResponseBody = 1 << 20

// Config configures a Client.
type Config struct {
	// BaseURL is the API root, e.g. https://pulse.example.com/api.
	BaseURL string

	// Token is sent as a Bearer token.
	Token string

	// AgentID identifies this installation in the X-Agent-ID header.
	AgentID string

	// UserAgent is sent with every request.
	UserAgent string

	// Timeout for each request.
	Timeout time.Duration

	// HTTPClient overrides the default client. Timeout is ignored when set.
	HTTPClient *http.Client
}

// Heartbeat is the legacy per-cycle activity report.
type Heartbeat struct {
	MouseMoves        int    `json:"mouse_moves"`
	MouseClicks       int    `json:"mouse_clicks"`
	Keystrokes        int    `json:"keystrokes"`
	ScrollEvents      int    `json:"scroll_events"`
	ActiveApp         string `json:"active_app"`
	ActiveWindowTitle string `json:"active_window_title"`
	IdleSeconds       int    `json:"idle_seconds"`
}

// ClockStatus is the user's clock-in state.
type ClockStatus struct {
	ClockedIn      bool  `json:"clocked_in"`
	ElapsedSeconds int64 `json:"elapsed_seconds,omitempty"`
}

// APIError is a non-2xx response from the collector.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("collector: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("collector: HTTP %d: %s", e.StatusCode, e.Message)
}

// ErrUnauthorized is matched by errors.Is for 401 and 403 responses.
var ErrUnauthorized = errors.New("collector: unauthorized")

func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized &&
		(e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}

// IsTransient reports whether err is worth retrying on the next cycle:
// network failures, timeouts, 429 and 5xx responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF)
}

// Client is safe for concurrent use.
type Client struct {
	base       *url.URL
	token      string
	agentID    string
	userAgent  string
	httpClient *http.Client
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	raw := cfg.BaseURL
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse collector url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("collector url %q: scheme must be http or https", raw)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	ua := cfg.UserAgent
	if ua == "" {
		ua = "pulsed"
	}

	return &Client{
		base:       base,
		token:      cfg.Token,
		agentID:    cfg.AgentID,
		userAgent:  ua,
		httpClient: httpClient,
	}, nil
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string {
	return c.base.String()
}

type segmentsResponse struct {
	Status   string `json:"status"`
	Received int    `json:"received"`
}

// SendSegments delivers one batch as a JSON array and returns how many
// segments the collector stored. A nil error means the whole batch was
// accepted, including segments the collector chose to skip.
func (c *Client) SendSegments(ctx context.Context, segs []segment.Segment) (int, error) {
	if segs == nil {
		segs = []segment.Segment{}
	}
	var resp segmentsResponse
	if err := c.do(ctx, http.MethodPost, "/agent/segments", segs, &resp); err != nil {
		return 0, err
	}
	return resp.Received, nil
}

// SendHeartbeat posts the legacy heartbeat.
func (c *Client) SendHeartbeat(ctx context.Context, hb Heartbeat) error {
	return c.do(ctx, http.MethodPost, "/agent/heartbeat", hb, nil)
}

// ClockStatus reads whether the user is clocked in.
func (c *Client) ClockStatus(ctx context.Context) (ClockStatus, error) {
	var st ClockStatus
	err := c.do(ctx, http.MethodGet, "/clock/status", nil, &st)
	return st, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.agentID != "" {
		req.Header.Set("X-Agent-ID", c.agentID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("%s %s: read response: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

// errorMessage extracts {"error": "..."} or falls back to the raw body.
func errorMessage(body []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.Message != "" {
			return e.Message
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
