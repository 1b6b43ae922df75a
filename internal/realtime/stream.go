package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/matheus3301/wppsync/internal/metrics"
	"github.com/matheus3301/wppsync/internal/timer"
	"github.com/matheus3301/wppsync/internal/wa"
	"go.uber.org/zap"
)

// stream is one established push connection.
type stream interface {
	// Read blocks for the next frame payload.
	Read(ctx context.Context) ([]byte, error)
	Ping(ctx context.Context) error
	Close() error
}

type dialFunc func(ctx context.Context) (stream, error)

// streamTransport runs a push stream: bounded connect attempts, a read loop, heartbeats,
// backoff reconnects after drops and a fixed-delay reconnect after protocol errors.
type streamTransport struct {
	kind   Kind
	dial   dialFunc
	cfg    Config
	sink   Sink
	logger *zap.Logger

	mu     sync.Mutex
	active bool
	cancel context.CancelFunc
	done   chan struct{}
}

func newStreamTransport(kind Kind, dial dialFunc, cfg Config, sink Sink, logger *zap.Logger) *streamTransport {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &streamTransport{
		kind:   kind,
		dial:   dial,
		cfg:    cfg,
		sink:   sink,
		logger: logger.With(zap.String("transport", string(kind))),
	}
}

func (t *streamTransport) Kind() Kind { return t.kind }

func (t *streamTransport) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Connect dials up to ConnectAttempts times with backoff in between.
func (t *streamTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.active {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	recon := newReconnector(&t.cfg)
	var lastErr error
	for attempt := 0; attempt < t.cfg.ConnectAttempts; attempt++ {
		if attempt > 0 && !timer.Sleep(ctx, recon.nextDelay()) {
			return ctx.Err()
		}
		st, err := t.dialOnce(ctx)
		if err == nil {
			return t.start(ctx, st)
		}
		lastErr = err
		metrics.TransportFailures.WithLabelValues(string(t.kind), "connect").Inc()
		t.logger.Debug("connect attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s: %d connect attempts failed: %w", t.kind, t.cfg.ConnectAttempts, lastErr)
}

func (t *streamTransport) start(ctx context.Context, st stream) error {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	t.mu.Lock()
	t.active = true
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	metrics.TransportConnects.WithLabelValues(string(t.kind)).Inc()
	t.logger.Info("transport connected")
	t.sink(Event{Type: EventStatus, Transport: t.kind, Status: StatusConnected})

	go t.run(runCtx, st, done)
	return nil
}

// Disconnect cancels the stream and waits for its goroutines.
func (t *streamTransport) Disconnect() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.active = false
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (t *streamTransport) dialOnce(ctx context.Context) (stream, error) {
	dctx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()
	return t.dial(dctx)
}

func (t *streamTransport) run(ctx context.Context, st stream, done chan struct{}) {
	defer close(done)

	recon := newReconnector(&t.cfg)
	recon.markConnected()
	for {
		protocol := t.serve(ctx, st)
		_ = st.Close()
		if ctx.Err() != nil {
			return
		}
		if !protocol {
			recon.markDropped()
			metrics.TransportFailures.WithLabelValues(string(t.kind), "drop").Inc()
			t.sink(Event{Type: EventStatus, Transport: t.kind, Status: StatusDisconnected})
		}

		st = t.redial(ctx, recon, protocol)
		if st == nil {
			if ctx.Err() != nil {
				return
			}
			t.mu.Lock()
			t.active = false
			t.mu.Unlock()
			metrics.TransportFailures.WithLabelValues(string(t.kind), "exhausted").Inc()
			t.logger.Warn("reconnect attempts exhausted")
			t.sink(Event{
				Type:      EventError,
				Transport: t.kind,
				Status:    StatusError,
				Err:       fmt.Errorf("%s: %w", t.kind, ErrReconnectExhausted),
				Terminal:  true,
			})
			return
		}
		recon.markConnected()
		t.logger.Info("transport reconnected")
		t.sink(Event{Type: EventStatus, Transport: t.kind, Status: StatusConnected})
	}
}

// redial re-establishes the stream. After a protocol error the first retry waits the fixed
// ProtocolRetryDelay and does not spend backoff budget; failures fall back to backoff.
func (t *streamTransport) redial(ctx context.Context, recon *reconnector, afterProtocol bool) stream {
	if afterProtocol {
		if !timer.Sleep(ctx, t.cfg.ProtocolRetryDelay) {
			return nil
		}
		st, err := t.dialOnce(ctx)
		if err == nil {
			return st
		}
		t.logger.Debug("reconnect after protocol error failed", zap.Error(err))
	}

	for recon.shouldReconnect() {
		delay := recon.nextDelay()
		t.sink(Event{Type: EventStatus, Transport: t.kind, Status: StatusReconnecting, Attempt: recon.attempt})
		if !timer.Sleep(ctx, delay) {
			return nil
		}
		st, err := t.dialOnce(ctx)
		if err == nil {
			return st
		}
		t.logger.Debug("reconnect failed", zap.Int("attempt", recon.attempt), zap.Error(err))
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

// serve reads frames until the stream ends. It reports whether it ended on a protocol error.
func (t *streamTransport) serve(ctx context.Context, st stream) bool {
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hb := timer.Every(serveCtx, t.cfg.HeartbeatInterval, func(ctx context.Context) bool {
		pctx, pcancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
		defer pcancel()
		if err := st.Ping(pctx); err != nil {
			if ctx.Err() == nil {
				t.logger.Warn("heartbeat failed, closing stream", zap.Error(err))
				_ = st.Close()
			}
			return false
		}
		return true
	})
	defer hb.Stop()

	for {
		data, err := st.Read(serveCtx)
		if err != nil {
			if ctx.Err() == nil {
				t.logger.Warn("stream dropped", zap.Error(err))
			}
			return false
		}

		frame, err := wa.DecodeFrame(data)
		if err != nil {
			t.logger.Warn("skip undecodable frame", zap.Error(err))
			continue
		}
		switch frame.Kind {
		case wa.FrameMessage:
			for i := range frame.Messages {
				metrics.MessagesReceived.WithLabelValues(string(t.kind)).Inc()
				t.sink(Event{Type: EventMessage, Transport: t.kind, Message: &frame.Messages[i]})
			}
		case wa.FrameConnection:
			t.sink(Event{Type: EventStatus, Transport: t.kind, Connection: frame.Connection})
		case wa.FrameError:
			metrics.TransportFailures.WithLabelValues(string(t.kind), "protocol").Inc()
			t.logger.Warn("protocol error on open stream", zap.String("message", frame.Error))
			t.sink(Event{Type: EventError, Transport: t.kind, Err: &ProtocolError{Transport: t.kind, Message: frame.Error}})
			return true
		}
	}
}
