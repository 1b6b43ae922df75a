package realtime

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var errIdle = errors.New("sse stream idle")

// sseStream parses a text/event-stream body on its own goroutine and hands complete event
// payloads to Read.
type sseStream struct {
	body    io.ReadCloser
	cancel  context.CancelFunc
	events  chan []byte
	errc    chan error
	idle    time.Duration
	closeMu sync.Once
}

func (s *sseStream) Read(ctx context.Context) ([]byte, error) {
	idle := time.NewTimer(s.idle)
	defer idle.Stop()
	for {
		select {
		case data := <-s.events:
			if data == nil {
				// Comment or keep-alive line: resets the idle watchdog.
				idle.Reset(s.idle)
				continue
			}
			return data, nil
		case err := <-s.errc:
			return nil, err
		case <-idle.C:
			return nil, errIdle
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Ping is a no-op: the server pushes keep-alive comments and Read watches for silence.
func (s *sseStream) Ping(context.Context) error { return nil }

func (s *sseStream) Close() error {
	s.closeMu.Do(func() {
		s.cancel()
		_ = s.body.Close()
	})
	return nil
}

// scan splits the body into events. Multi-line data fields are joined with newlines as the
// event-stream format requires; a blank line terminates an event.
func (s *sseStream) scan(ctx context.Context) {
	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	var data []string
	send := func(b []byte) bool {
		select {
		case s.events <- b:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				payload := strings.Join(data, "\n")
				data = data[:0]
				if !send([]byte(payload)) {
					return
				}
			}
		case strings.HasPrefix(line, ":"):
			if !send(nil) {
				return
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	select {
	case s.errc <- fmt.Errorf("sse stream ended: %w", err):
	case <-ctx.Done():
	}
}

func dialSSE(cfg *Config, instance string) dialFunc {
	target := cfg.sseURL(instance)
	return func(ctx context.Context) (stream, error) {
		// The request outlives the dial timeout; only the handshake is bounded by ctx.
		reqCtx, cancel := context.WithCancel(context.Background())
		stop := context.AfterFunc(ctx, cancel)

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("create sse request: %w", err)
		}
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
		if cfg.APIKey != "" {
			req.Header.Set("apikey", cfg.APIKey)
		}

		resp, err := cfg.HTTPClient.Do(req)
		if !stop() {
			// ctx ended during the handshake.
			if err == nil {
				_ = resp.Body.Close()
			}
			cancel()
			return nil, fmt.Errorf("sse connect: %w", ctx.Err())
		}
		if err != nil {
			cancel()
			return nil, fmt.Errorf("sse connect: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			cancel()
			return nil, fmt.Errorf("sse connect: HTTP %d", resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "text/event-stream") {
			_ = resp.Body.Close()
			cancel()
			return nil, fmt.Errorf("sse connect: unexpected content type %q", ct)
		}

		s := &sseStream{
			body:   resp.Body,
			cancel: cancel,
			events: make(chan []byte),
			errc:   make(chan error, 1),
			idle:   cfg.IdleTimeout,
		}
		go s.scan(reqCtx)
		return s, nil
	}
}

// NewSSEFactory builds Server-Sent-Events transports for the gateway's per-instance stream.
func NewSSEFactory(cfg Config, logger *zap.Logger) Factory {
	cfg.defaults()
	return func(deviceID string, sink Sink) Transport {
		return newStreamTransport(KindSSE, dialSSE(&cfg, deviceID), cfg, sink, logger)
	}
}
