// Package client talks to a running sshdeck server.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sshdeck/internal/api"
	"sshdeck/internal/logging"
	"sshdeck/internal/profile"
	"sshdeck/internal/session"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Error is a failed operation reported by the server.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Status != 0 && e.Status != http.StatusOK {
		return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
	}
	return e.Message
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }

type Client struct {
	baseURL string
	http    *retryablehttp.Client
}

// Option configures a Client.
type Option func(*retryablehttp.Client)

// WithRetries sets the retry count and the wait bounds between retries.
func WithRetries(max int, waitMin, waitMax time.Duration) Option {
	return func(c *retryablehttp.Client) {
		c.RetryMax = max
		c.RetryWaitMin = waitMin
		c.RetryWaitMax = waitMax
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *retryablehttp.Client) { c.HTTPClient = hc }
}

// New returns a client for the server at addr ("host:port" or a URL).
func New(addr string, opts ...Option) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = leveledLogger{s: logging.Logger().Sugar()}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	for _, opt := range opts {
		opt(rc)
	}

	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{baseURL: base, http: rc}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var e struct {
			Detail  string `json:"detail"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &e)
		msg := e.Detail
		if msg == "" {
			msg = e.Message
		}
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &Error{Status: resp.StatusCode, Message: msg}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// call performs an operation and turns an unsuccessful result into an
// *Error.
func (c *Client) call(ctx context.Context, method, path string, body interface{}) error {
	var res api.Result
	if err := c.do(ctx, method, path, body, &res); err != nil {
		return err
	}
	if !res.Success {
		return &Error{Status: http.StatusOK, Message: res.Message}
	}
	return nil
}

func sessionPath(id, suffix string) string {
	return "/api/v1/sessions/" + url.PathEscape(id) + suffix
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) Sessions(ctx context.Context) ([]session.Info, error) {
	var res api.SessionsResult
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions", nil, &res); err != nil {
		return nil, err
	}
	return res.Sessions, nil
}

func (c *Client) Connect(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodPost, sessionPath(id, "/connect"), nil)
}

func (c *Client) Disconnect(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodPost, sessionPath(id, "/disconnect"), nil)
}

func (c *Client) Reconnect(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodPost, sessionPath(id, "/reconnect"), nil)
}

func (c *Client) IsConnected(ctx context.Context, id string) (bool, error) {
	var res struct {
		Connected bool `json:"connected"`
	}
	if err := c.do(ctx, http.MethodGet, sessionPath(id, "/status"), nil, &res); err != nil {
		return false, err
	}
	return res.Connected, nil
}

// Send queues command on the session's command queue.
func (c *Client) Send(ctx context.Context, id, command string) error {
	return c.call(ctx, http.MethodPost, sessionPath(id, "/commands"), map[string]string{"command": command})
}

// Input writes raw data to the session's shell.
func (c *Client) Input(ctx context.Context, id, data string) error {
	return c.call(ctx, http.MethodPost, sessionPath(id, "/input"), map[string]string{"data": data})
}

func (c *Client) QueueStatus(ctx context.Context, id string) (session.QueueStatus, error) {
	var res api.QueueStatusResult
	if err := c.do(ctx, http.MethodGet, sessionPath(id, "/queue"), nil, &res); err != nil {
		return session.QueueStatus{}, err
	}
	return res.QueueStatus, nil
}

func (c *Client) History(ctx context.Context, id string) ([]session.Event, error) {
	var res api.HistoryResult
	if err := c.do(ctx, http.MethodGet, sessionPath(id, "/history"), nil, &res); err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, &Error{Status: http.StatusOK, Message: res.Message}
	}
	return res.Events, nil
}

func (c *Client) Profiles(ctx context.Context) ([]*profile.Profile, error) {
	var res api.ProfilesResult
	if err := c.do(ctx, http.MethodGet, "/api/v1/profiles", nil, &res); err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, &Error{Status: http.StatusOK, Message: res.Message}
	}
	return res.Profiles, nil
}

// IsNotConnected reports whether err is the server saying the session is
// not connected.
func IsNotConnected(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Message == "Not connected"
}
