package autoreply

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Request is what a replier sees of an inbound message.
type Request struct {
	DeviceID string `json:"device_id"`
	ChatID   string `json:"chat_id"`
	PushName string `json:"push_name,omitempty"`
	Text     string `json:"text"`
}

// Replier drafts a reply to an inbound message. An empty reply means "stay quiet".
type Replier interface {
	Reply(ctx context.Context, req Request) (string, error)
}

// ReplierFunc adapts a function to Replier.
type ReplierFunc func(ctx context.Context, req Request) (string, error)

func (f ReplierFunc) Reply(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// HTTPReplier posts the request as JSON to an external assistant and reads {"reply": "..."}.
// A 204 response is an empty reply.
type HTTPReplier struct {
	url        string
	httpClient *http.Client
}

// NewHTTPReplier creates a replier for url. timeout <= 0 uses 30s.
func NewHTTPReplier(url string, timeout time.Duration) *HTTPReplier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPReplier{url: url, httpClient: &http.Client{Timeout: timeout}}
}

func (r *HTTPReplier) Reply(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal reply request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create reply request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("reply request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return "", nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("reply request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out struct {
		Reply string `json:"reply"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode reply: %w", err)
	}
	return strings.TrimSpace(out.Reply), nil
}
