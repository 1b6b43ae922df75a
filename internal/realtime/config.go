package realtime

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config tunes the transports. Zero fields take defaults.
type Config struct {
	GatewayURL string
	APIKey     string
	// WebSocketURL and SSEURL are endpoint templates; "{instance}" is replaced by the device ID.
	// Empty templates derive from GatewayURL.
	WebSocketURL string
	SSEURL       string

	ConnectTimeout       time.Duration
	ConnectAttempts      int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	ProtocolRetryDelay   time.Duration
	HeartbeatInterval    time.Duration
	// IdleTimeout closes an SSE stream that sent nothing, not even a comment, for this long.
	IdleTimeout time.Duration

	MessagePollInterval time.Duration
	ChatPollInterval    time.Duration

	HTTPClient *http.Client
}

func (c *Config) defaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ConnectAttempts == 0 {
		c.ConnectAttempts = 3
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.ProtocolRetryDelay == 0 {
		c.ProtocolRetryDelay = 5 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 45 * time.Second
	}
	if c.MessagePollInterval == 0 {
		c.MessagePollInterval = 3 * time.Second
	}
	if c.ChatPollInterval == 0 {
		c.ChatPollInterval = 30 * time.Second
	}
	if c.HTTPClient == nil {
		// No client timeout: SSE responses stay open indefinitely.
		c.HTTPClient = &http.Client{}
	}
}

// websocketURL resolves the WebSocket endpoint for one instance.
func (c *Config) websocketURL(instance string) string {
	tmpl := c.WebSocketURL
	if tmpl == "" {
		base := strings.Replace(c.GatewayURL, "https://", "wss://", 1)
		base = strings.Replace(base, "http://", "ws://", 1)
		tmpl = strings.TrimRight(base, "/") + "/ws/{instance}"
	}
	u := strings.ReplaceAll(tmpl, "{instance}", url.PathEscape(instance))
	if c.APIKey == "" {
		return u
	}
	// Browser-compatible endpoints take the key as a query parameter.
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + "apikey=" + url.QueryEscape(c.APIKey)
}

// sseURL resolves the SSE endpoint for one instance.
func (c *Config) sseURL(instance string) string {
	tmpl := c.SSEURL
	if tmpl == "" {
		tmpl = strings.TrimRight(c.GatewayURL, "/") + "/sse/{instance}"
	}
	return strings.ReplaceAll(tmpl, "{instance}", url.PathEscape(instance))
}
