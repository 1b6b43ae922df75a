package sync

import (
	"context"
	"sync"

	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/matheus3301/wppsync/internal/realtime"
	"github.com/matheus3301/wppsync/internal/store"
	"github.com/matheus3301/wppsync/internal/wa"
	"go.uber.org/zap"
)

// Realtime is the connection orchestrator as the engine drives it.
type Realtime interface {
	Start(deviceID string)
	Stop()
	Running() bool
	OnEvent(h realtime.Handler)
	SetActiveChat(chatID string)
	Session() realtime.Session
}

// Devices exposes the current device and takes live connection updates.
type Devices interface {
	Current() (store.Device, bool)
	ApplyConnectionUpdate(ctx context.Context, id string, update wa.ConnectionUpdate)
}

// Chats is the chat list side of the engine.
type Chats interface {
	ApplyInbound(env wa.Envelope) store.Chat
	MarkOpened(chatID string)
	MarkClosed()
	Opened() string
}

// Timelines is the message window side of the engine.
type Timelines interface {
	SetDevice(id string)
	Fetch(ctx context.Context, chatID string) ([]store.Message, error)
	ApplyInbound(env wa.Envelope) bool
	Release(chatID string)
}

// Engine routes realtime events into the chat list and message windows, and keeps the
// orchestrator following the current device while it is connected.
type Engine struct {
	orch      Realtime
	devices   Devices
	chats     Chats
	timelines Timelines
	refresher *Refresher
	settings  Settings
	bus       *bus.Bus
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// followMu serializes follow so start/stop decisions see a consistent orchestrator.
	followMu sync.Mutex
}

// NewEngine wires the engine to the orchestrator's event stream. Messages are taken straight
// from the orchestrator so a slow bus subscriber can never lose them.
func NewEngine(orch Realtime, devices Devices, chats Chats, timelines Timelines, refresher *Refresher, settings Settings, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		orch:      orch,
		devices:   devices,
		chats:     chats,
		timelines: timelines,
		refresher: refresher,
		settings:  settings,
		bus:       b,
		logger:    logger,
		ctx:       context.Background(),
		cancel:    func() {},
	}
	orch.OnEvent(e.handleRealtime)
	return e
}

// Start follows the current device and reacts to device events until Stop.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("device.", 64)

	e.follow()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsub()
		for {
			select {
			case <-ch:
				e.follow()
			case <-e.ctx.Done():
				return
			}
		}
	}()
}

// Stop tears the orchestrator down and waits for background work.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
	e.orch.Stop()
}

// OpenChat makes chatID the open chat: its unread count is cleared, the polling transport
// follows it, and its window is fetched. The previously open chat is released.
func (e *Engine) OpenChat(ctx context.Context, chatID string) ([]store.Message, error) {
	chatID = wa.CanonicalAddress(chatID)
	if prev := e.chats.Opened(); prev != "" && prev != chatID {
		e.timelines.Release(prev)
	}
	e.chats.MarkOpened(chatID)
	e.orch.SetActiveChat(chatID)
	return e.timelines.Fetch(ctx, chatID)
}

// CloseChat closes the open chat, if any.
func (e *Engine) CloseChat() {
	prev := e.chats.Opened()
	e.chats.MarkClosed()
	e.orch.SetActiveChat("")
	if prev != "" {
		e.timelines.Release(prev)
	}
}

// RefreshChats fetches the chat list of the current device.
func (e *Engine) RefreshChats(ctx context.Context) error {
	d, ok := e.devices.Current()
	if !ok {
		return nil
	}
	return e.refresher.RefreshChats(ctx, d.ID)
}

// Session returns the realtime connection state.
func (e *Engine) Session() realtime.Session {
	return e.orch.Session()
}

// follow points the orchestrator and the message windows at the current device, running the
// orchestrator only while that device is connected.
func (e *Engine) follow() {
	e.followMu.Lock()
	defer e.followMu.Unlock()

	d, ok := e.devices.Current()
	want := ""
	if ok {
		e.timelines.SetDevice(d.ID)
		if d.Status == store.DeviceConnected {
			want = d.ID
		}
	} else {
		e.timelines.SetDevice("")
	}

	running := e.orch.Running()
	if running && e.orch.Session().DeviceID == want {
		return
	}
	if running {
		e.logger.Info("realtime session stopping", zap.String("device_id", e.orch.Session().DeviceID))
		e.orch.Stop()
	}
	if want == "" || e.ctx.Err() != nil {
		return
	}

	e.logger.Info("realtime session starting", zap.String("device_id", want))
	if chatID := e.chats.Opened(); chatID != "" {
		e.orch.SetActiveChat(chatID)
	}
	e.orch.Start(want)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.refresher.RefreshChats(e.ctx, want); err != nil && e.ctx.Err() == nil {
			e.logger.Warn("initial chat refresh failed", zap.String("device_id", want), zap.Error(err))
		}
	}()
}

// handleRealtime runs on the orchestrator's dispatch path and must not call Stop.
func (e *Engine) handleRealtime(ev realtime.Event) {
	switch ev.Type {
	case realtime.EventMessage:
		if ev.Message == nil {
			return
		}
		env := *ev.Message
		if device := e.orch.Session().DeviceID; env.Instance != "" && env.Instance != device {
			e.logger.Debug("skip message for another device",
				zap.String("instance", env.Instance),
				zap.String("device_id", device),
			)
			return
		}
		e.chats.ApplyInbound(env)
		e.timelines.ApplyInbound(env)
		e.bus.Emit(bus.RealtimeMessage, env)

	case realtime.EventStatus:
		if ev.Connection != nil {
			id := ev.Connection.Instance
			if id == "" {
				id = e.orch.Session().DeviceID
			}
			e.devices.ApplyConnectionUpdate(e.ctx, id, *ev.Connection)
		}
		if ev.Status == realtime.StatusConnected {
			if err := e.settings.SetSetting(store.SettingLastTransport, string(ev.Transport)); err != nil {
				e.logger.Warn("save last transport", zap.Error(err))
			}
		}
		e.bus.Emit(bus.RealtimeStatus, ev)

	case realtime.EventError:
		if ev.Terminal {
			e.logger.Error("realtime transport gave up", zap.String("transport", string(ev.Transport)), zap.Error(ev.Err))
		} else {
			e.logger.Warn("realtime error", zap.String("transport", string(ev.Transport)), zap.Error(ev.Err))
		}
		e.bus.Emit(bus.RealtimeError, ev)
	}
}
