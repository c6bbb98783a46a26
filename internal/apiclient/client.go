// Package apiclient talks to a running orchestrator's HTTP API. The CLI
// and the watch TUI share it.
package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/shunter/internal/api"
	"github.com/mattjoyce/shunter/internal/sse"
)

// DefaultURL matches the default api.listen.
const DefaultURL = "http://localhost:8000"

// Error is a non-2xx answer from the API.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api returned %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an API error with the given code.
func IsStatus(err error, code int) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

type Client struct {
	base   string
	token  string
	http   *http.Client
	stream *http.Client
}

// New returns a client for baseURL. token may be empty for an open API.
func New(baseURL, token string) *Client {
	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		token:  token,
		http:   &http.Client{Timeout: 30 * time.Second},
		stream: &http.Client{},
	}
}

// Health calls GET /healthz.
func (c *Client) Health(ctx context.Context) (api.HealthzResponse, error) {
	var out api.HealthzResponse
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &out)
	return out, err
}

// Status calls GET /status.
func (c *Client) Status(ctx context.Context) (api.StatusResponse, error) {
	var out api.StatusResponse
	err := c.do(ctx, http.MethodGet, "/status", nil, &out)
	return out, err
}

// Stop calls POST /cmd/stop.
func (c *Client) Stop(ctx context.Context) (api.CommandResponse, error) {
	return c.command(ctx, "stop", nil)
}

// Forward calls POST /cmd/forward.
func (c *Client) Forward(ctx context.Context, speed int) (api.CommandResponse, error) {
	return c.command(ctx, "forward", url.Values{"speed": {strconv.Itoa(speed)}})
}

// Reverse calls POST /cmd/reverse. duration is sent in seconds.
func (c *Client) Reverse(ctx context.Context, speed int, duration time.Duration) (api.CommandResponse, error) {
	return c.command(ctx, "reverse", url.Values{
		"speed":    {strconv.Itoa(speed)},
		"duration": {strconv.FormatFloat(duration.Seconds(), 'f', -1, 64)},
	})
}

// Reset calls POST /cmd/reset.
func (c *Client) Reset(ctx context.Context) (api.CommandResponse, error) {
	return c.command(ctx, "reset", nil)
}

// Events opens GET /events. The caller closes the stream.
func (c *Client) Events(ctx context.Context, lastID string) (io.ReadCloser, error) {
	return sse.Dial(ctx, c.stream, c.base+"/events", c.token, lastID)
}

func (c *Client) command(ctx context.Context, name string, q url.Values) (api.CommandResponse, error) {
	var out api.CommandResponse
	err := c.do(ctx, http.MethodPost, "/cmd/"+name, q, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, out any) error {
	target := c.base + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var body api.ErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
		if body.Error == "" {
			body.Error = http.StatusText(resp.StatusCode)
		}
		return &Error{StatusCode: resp.StatusCode, Message: body.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
