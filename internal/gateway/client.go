// Package gateway is the HTTP client for the messaging gateway that hosts WhatsApp instances.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/wppsync/internal/metrics"
	"go.uber.org/zap"
)

const DefaultTimeout = 15 * time.Second

// Client talks to one gateway deployment. It is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.httpClient = client }
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a gateway client for baseURL authenticated with apiKey.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// BaseURL returns the gateway root URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// APIKey returns the key sent with every request.
func (c *Client) APIKey() string { return c.apiKey }

// Error is a failed gateway call. StatusCode is 0 when no response was received.
type Error struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("gateway %s: status %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("gateway %s: status %d", e.Op, e.StatusCode)
}

func (e *Error) Unwrap() error { return e.Err }

// Temporary reports whether retrying the same call may succeed.
func (e *Error) Temporary() bool {
	if e.StatusCode == 0 {
		return true
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsNotFound reports whether err is a gateway 404.
func IsNotFound(err error) bool {
	var gerr *Error
	return errors.As(err, &gerr) && gerr.StatusCode == http.StatusNotFound
}

// IsTemporary reports whether err is a gateway error worth retrying.
func IsTemporary(err error) bool {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Temporary()
	}
	var nerr net.Error
	return errors.As(err, &nerr)
}

// do issues one JSON request and decodes a 2xx response into out (if non-nil).
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", op, err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.GatewayRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.GatewayRequestsTotal.WithLabelValues(op, "error").Inc()
		return &Error{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	metrics.GatewayRequestsTotal.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug("gateway request failed",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
		)
		return &Error{Op: op, StatusCode: resp.StatusCode, Body: errorBody(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

// errorBody extracts a readable message from the gateway's error JSON.
func errorBody(data []byte) string {
	var body struct {
		Response struct {
			Message json.RawMessage `json:"message"`
		} `json:"response"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil {
		if len(body.Response.Message) > 0 {
			var list []string
			if json.Unmarshal(body.Response.Message, &list) == nil && len(list) > 0 {
				return strings.Join(list, "; ")
			}
			var s string
			if json.Unmarshal(body.Response.Message, &s) == nil && s != "" {
				return s
			}
		}
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
