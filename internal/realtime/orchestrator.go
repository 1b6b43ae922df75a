package realtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/matheus3301/wppsync/internal/metrics"
	"go.uber.org/zap"
)

// Orchestrator owns at most one active transport for the current device, chosen from an
// ordered factory chain, and republishes every transport's events as one normalized stream.
type Orchestrator struct {
	factories []Factory
	logger    *zap.Logger

	// gen identifies the current run; events from older runs are dropped.
	gen atomic.Uint64
	// dispatchMu is held shared while handlers run; Stop takes it exclusively as a barrier.
	dispatchMu sync.RWMutex
	wg         sync.WaitGroup

	handlersMu sync.RWMutex
	handlers   []Handler

	mu         sync.Mutex
	running    bool
	ctx        context.Context
	cancel     context.CancelFunc
	active     Transport
	activeChat string
	session    Session
}

// New creates an orchestrator trying factories in order.
func New(factories []Factory, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		factories: factories,
		logger:    logger,
		session:   Session{ActiveTransport: KindNone},
	}
}

// DefaultChain is the WebSocket, SSE, polling fallback order.
func DefaultChain(cfg Config, poller Poller, logger *zap.Logger) []Factory {
	return []Factory{
		NewWebSocketFactory(cfg, logger),
		NewSSEFactory(cfg, logger),
		NewPollingFactory(cfg, poller, logger),
	}
}

// OnEvent registers a handler for every subsequent event.
func (o *Orchestrator) OnEvent(h Handler) {
	o.handlersMu.Lock()
	o.handlers = append(o.handlers, h)
	o.handlersMu.Unlock()
}

// Start begins connecting for deviceID in the background. It is a no-op while running.
func (o *Orchestrator) Start(deviceID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		if o.session.DeviceID != deviceID {
			o.logger.Warn("start ignored: orchestrator already running for another device",
				zap.String("running", o.session.DeviceID),
				zap.String("requested", deviceID),
			)
		}
		return
	}

	o.running = true
	o.ctx, o.cancel = context.WithCancel(context.Background())
	o.session = Session{DeviceID: deviceID, ActiveTransport: KindNone}
	gen := o.gen.Add(1)
	ctx := o.ctx

	o.logger.Info("orchestrator starting", zap.String("device_id", deviceID))
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.connectFrom(ctx, gen, deviceID, 0)
	}()
}

// Stop tears down the active transport and every pending connect. It is synchronous and
// idempotent: once it returns no handler is invoked for the stopped run.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.gen.Add(1)
	o.cancel()
	active := o.active
	o.active = nil
	o.session.ActiveTransport = KindNone
	o.session.Connected = false
	o.mu.Unlock()

	if active != nil {
		active.Disconnect()
	}
	o.wg.Wait()

	// Barrier: handlers already running finish before Stop returns.
	o.dispatchMu.Lock()
	o.dispatchMu.Unlock()

	metrics.SetActiveTransport(string(KindNone))
	o.logger.Info("orchestrator stopped")
}

// Running reports whether Start has been called without a matching Stop.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// SetActiveChat tells the transports which chat is open ("" for none).
func (o *Orchestrator) SetActiveChat(chatID string) {
	o.mu.Lock()
	o.activeChat = chatID
	active := o.active
	o.mu.Unlock()

	if f, ok := active.(ChatFollower); ok {
		f.SetActiveChat(chatID)
	}
}

// Session returns a snapshot of the connection state.
func (o *Orchestrator) Session() Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

// connectFrom tries factories[idx:] in order until one connects.
func (o *Orchestrator) connectFrom(ctx context.Context, gen uint64, deviceID string, idx int) {
	for i := idx; i < len(o.factories); i++ {
		if ctx.Err() != nil {
			return
		}
		pos := i
		t := o.factories[i](deviceID, func(ev Event) { o.handleTransportEvent(gen, pos, ev) })

		o.mu.Lock()
		chatID := o.activeChat
		o.mu.Unlock()
		if f, ok := t.(ChatFollower); ok && chatID != "" {
			f.SetActiveChat(chatID)
		}

		err := t.Connect(ctx)
		if err == nil {
			o.mu.Lock()
			if o.gen.Load() != gen || !t.IsActive() {
				// Stopped meanwhile, or the transport already gave up and fell back.
				o.mu.Unlock()
				t.Disconnect()
				return
			}
			o.active = t
			// The chat may have changed while connecting.
			if f, ok := t.(ChatFollower); ok && o.activeChat != chatID {
				chatID = o.activeChat
				o.mu.Unlock()
				f.SetActiveChat(chatID)
			} else {
				o.mu.Unlock()
			}
			metrics.SetActiveTransport(string(t.Kind()))
			o.logger.Info("transport active", zap.String("transport", string(t.Kind())))
			return
		}

		t.Disconnect()
		if ctx.Err() != nil {
			return
		}
		o.logger.Warn("transport failed to connect, falling back",
			zap.String("transport", string(t.Kind())),
			zap.Error(err),
		)
		o.handleTransportEvent(gen, pos, Event{Type: EventStatus, Transport: t.Kind(), Status: StatusDisconnected, Err: err})
	}

	o.logger.Error("no transport could connect", zap.String("device_id", deviceID))
	o.handleTransportEvent(gen, len(o.factories), Event{
		Type:      EventError,
		Transport: KindNone,
		Status:    StatusError,
		Err:       fmt.Errorf("device %s: %w", deviceID, ErrNoTransport),
		Terminal:  true,
	})
}

func (o *Orchestrator) handleTransportEvent(gen uint64, pos int, ev Event) {
	if o.gen.Load() != gen {
		return
	}

	o.mu.Lock()
	switch {
	case ev.Status == StatusConnected:
		o.session.ActiveTransport = ev.Transport
		o.session.Connected = true
		o.session.ReconnectAttempts = 0
	case ev.Status == StatusDisconnected:
		o.session.Connected = false
	case ev.Status == StatusReconnecting:
		o.session.ReconnectAttempts = ev.Attempt
	}
	if ev.Err != nil {
		o.session.LastError = ev.Err.Error()
	}
	if ev.Terminal {
		o.session.Connected = false
		o.session.ActiveTransport = KindNone
	}
	o.mu.Unlock()

	o.dispatch(gen, ev)

	if ev.Terminal && pos < len(o.factories) {
		o.fallback(gen, pos)
	}
}

// fallback replaces an exhausted transport with the next one in the chain. It runs on the
// exhausted transport's goroutine, so teardown happens on a fresh one.
func (o *Orchestrator) fallback(gen uint64, pos int) {
	o.mu.Lock()
	if !o.running || o.gen.Load() != gen {
		o.mu.Unlock()
		return
	}
	failed := o.active
	o.active = nil
	ctx := o.ctx
	deviceID := o.session.DeviceID
	o.wg.Add(1)
	o.mu.Unlock()

	o.logger.Warn("transport exhausted, falling back", zap.Int("position", pos))
	go func() {
		defer o.wg.Done()
		if failed != nil {
			failed.Disconnect()
		}
		o.connectFrom(ctx, gen, deviceID, pos+1)
	}()
}

func (o *Orchestrator) dispatch(gen uint64, ev Event) {
	o.dispatchMu.RLock()
	defer o.dispatchMu.RUnlock()
	if o.gen.Load() != gen {
		return
	}

	o.handlersMu.RLock()
	handlers := make([]Handler, len(o.handlers))
	copy(handlers, o.handlers)
	o.handlersMu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
