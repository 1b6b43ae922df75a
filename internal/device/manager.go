package device

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/matheus3301/wppsync/internal/gateway"
	"github.com/matheus3301/wppsync/internal/metrics"
	"github.com/matheus3301/wppsync/internal/store"
	"github.com/matheus3301/wppsync/internal/timer"
	"github.com/matheus3301/wppsync/internal/wa"
	"go.uber.org/zap"
)

// Gateway is the slice of the gateway API the device lifecycle needs.
type Gateway interface {
	CreateInstance(ctx context.Context, name string) (gateway.Instance, error)
	FetchInstance(ctx context.Context, name string) (gateway.Instance, error)
	Connect(ctx context.Context, name string) (gateway.ConnectResult, error)
	ConnectionState(ctx context.Context, name string) (gateway.ConnectionState, error)
	Logout(ctx context.Context, name string) error
	DeleteInstance(ctx context.Context, name string) error
	SetWebhook(ctx context.Context, name, target string, events []string) error
}

// Store persists the device list and the current-device setting.
type Store interface {
	LoadDevices() ([]store.Device, error)
	SaveDevices(devices []store.Device) error
	Setting(key string) (string, error)
	SetSetting(key, value string) error
}

// DefaultWebhookEvents are registered once a device connects.
var DefaultWebhookEvents = []string{"MESSAGES_UPSERT", "CONNECTION_UPDATE"}

// Config tunes the pairing status loop and the webhook registration.
type Config struct {
	StatusPollInterval time.Duration
	PairingTimeout     time.Duration
	// WebhookURL is registered for a device when it connects. Empty skips registration.
	WebhookURL    string
	WebhookEvents []string
}

func (c *Config) defaults() {
	if c.StatusPollInterval <= 0 {
		c.StatusPollInterval = 3 * time.Second
	}
	if c.PairingTimeout <= 0 {
		c.PairingTimeout = 2 * time.Minute
	}
	if len(c.WebhookEvents) == 0 {
		c.WebhookEvents = DefaultWebhookEvents
	}
}

// pollAttempts is the status-poll budget covering the pairing timeout.
func (c Config) pollAttempts() int {
	return max(1, int(c.PairingTimeout/c.StatusPollInterval))
}

type pollLoop struct {
	seq    uint64
	handle *timer.Handle
}

// Manager owns the device records and their connection lifecycle. Every change replaces the
// whole record and is persisted before it is published.
type Manager struct {
	gw     Gateway
	db     Store
	bus    *bus.Bus
	cfg    Config
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	devices []store.Device
	current string
	loops   map[string]pollLoop
	loopSeq uint64
	closed  bool
}

// NewManager loads the cached device list and the current-device setting.
func NewManager(gw Gateway, db Store, b *bus.Bus, cfg Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.defaults()

	devices, err := db.LoadDevices()
	if err != nil {
		return nil, fmt.Errorf("load devices: %w", err)
	}
	current, err := db.Setting(store.SettingCurrentDevice)
	if err != nil {
		return nil, fmt.Errorf("load current device: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		gw:      gw,
		db:      db,
		bus:     b,
		cfg:     cfg,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		devices: devices,
		loops:   make(map[string]pollLoop),
	}
	if current != "" && m.index(current) >= 0 {
		m.current = current
	}
	return m, nil
}

// List returns a snapshot of every device.
func (m *Manager) List() []store.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.devices)
}

// Get returns the device with id.
func (m *Manager) Get(id string) (store.Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.index(id); i >= 0 {
		return m.devices[i], true
	}
	return store.Device{}, false
}

// Current returns the selected device, if any.
func (m *Manager) Current() (store.Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.index(m.current); i >= 0 {
		return m.devices[i], true
	}
	return store.Device{}, false
}

// SetCurrent selects the device the realtime session follows. An empty id clears it.
func (m *Manager) SetCurrent(id string) error {
	m.mu.Lock()
	var d store.Device
	if id != "" {
		i := m.index(id)
		if i < 0 {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
		}
		d = m.devices[i]
	}
	if m.current == id {
		m.mu.Unlock()
		return nil
	}
	if err := m.db.SetSetting(store.SettingCurrentDevice, id); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("save current device: %w", err)
	}
	m.current = id
	m.mu.Unlock()

	m.logger.Info("current device selected", zap.String("device_id", id))
	m.bus.Emit(bus.DeviceSelected, d)
	return nil
}

// Create registers a new instance on the gateway and adds it as disconnected. An instance the
// gateway already holds under the same name is adopted. The first device becomes current.
func (m *Manager) Create(ctx context.Context, id string) (store.Device, error) {
	if err := ValidateID(id); err != nil {
		return store.Device{}, err
	}
	if _, ok := m.Get(id); ok {
		return store.Device{}, fmt.Errorf("%w: %s", ErrExists, id)
	}

	d := store.Device{ID: id, Status: store.DeviceDisconnected}
	if _, err := m.gw.CreateInstance(ctx, id); err != nil {
		inst, ok := m.adoptable(ctx, id, err)
		if !ok {
			return store.Device{}, fmt.Errorf("create device %s: %w", id, err)
		}
		m.logger.Info("adopting existing gateway instance", zap.String("device_id", id))
		if inst.Status == wa.StateOpen {
			d.Status = store.DeviceConnected
			d.PhoneNumber = wa.PhoneNumber(inst.Owner)
		}
	}
	d.LastActivityAt = time.Now()

	m.mu.Lock()
	if m.index(id) >= 0 {
		m.mu.Unlock()
		return store.Device{}, fmt.Errorf("%w: %s", ErrExists, id)
	}
	m.devices = append(slices.Clone(m.devices), d)
	m.persistLocked()
	first := m.current == ""
	m.mu.Unlock()

	m.bus.Emit(bus.DeviceStatusChanged, StatusChange{DeviceID: id, To: d.Status, Device: d})
	if first {
		if err := m.SetCurrent(id); err != nil {
			m.logger.Warn("select first device", zap.String("device_id", id), zap.Error(err))
		}
	}
	return d, nil
}

// adoptable reports whether a failed create hit a name the gateway already holds.
func (m *Manager) adoptable(ctx context.Context, id string, createErr error) (gateway.Instance, bool) {
	var gerr *gateway.Error
	if !errors.As(createErr, &gerr) {
		return gateway.Instance{}, false
	}
	if gerr.StatusCode != http.StatusForbidden && gerr.StatusCode != http.StatusConflict {
		return gateway.Instance{}, false
	}
	inst, err := m.gw.FetchInstance(ctx, id)
	if err != nil {
		return gateway.Instance{}, false
	}
	return inst, true
}

// Connect starts pairing or reconnecting a device. A device the gateway no longer knows is
// dropped and ErrNotFound returned. Connecting a device that is already connecting or connected
// is a no-op; connecting one waiting for pairing refreshes its pairing code.
func (m *Manager) Connect(ctx context.Context, id string) (store.Device, error) {
	d, ok := m.Get(id)
	if !ok {
		return store.Device{}, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	if d.Status == store.DeviceConnecting || d.Status == store.DeviceConnected {
		return d, nil
	}

	inst, err := m.gw.FetchInstance(ctx, id)
	if err != nil {
		if gateway.IsNotFound(err) {
			m.drop(id)
			return store.Device{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return d, fmt.Errorf("check device %s: %w", id, err)
	}

	refreshing := d.Status == store.DeviceQRNeeded
	if refreshing {
		m.stopLoop(id)
	} else if d, _, err = m.transition(id, store.DeviceConnecting, nil); err != nil {
		return d, err
	}

	res, err := m.gw.Connect(ctx, id)
	if err != nil {
		if gateway.IsNotFound(err) {
			_, _, _ = m.transition(id, store.DeviceDisconnected, clearSession)
			m.drop(id)
			return store.Device{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if refreshing {
			// The previous pairing code may still be valid; keep waiting on it.
			m.startLoop(id)
		} else {
			d, _, _ = m.transition(id, store.DeviceDisconnected, nil)
		}
		return d, fmt.Errorf("connect device %s: %w", id, err)
	}

	if res.State == wa.StateOpen {
		return m.markOpen(ctx, id, inst.Owner)
	}
	if res.NeedsPairing() {
		code := res.Payload()
		d, _, err = m.transition(id, store.DeviceQRNeeded, func(d *store.Device) { d.PairingCode = code })
		if err != nil {
			return d, err
		}
	}
	m.startLoop(id)
	return d, nil
}

// Disconnect logs the device out, clears its pairing material and phone number, and cancels
// its status loop. A logout failure is returned only for a connected device.
func (m *Manager) Disconnect(ctx context.Context, id string) (store.Device, error) {
	d, ok := m.Get(id)
	if !ok {
		return store.Device{}, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}

	if err := m.gw.Logout(ctx, id); err != nil && !gateway.IsNotFound(err) {
		if d.Status == store.DeviceConnected {
			return d, fmt.Errorf("logout device %s: %w", id, err)
		}
		m.logger.Debug("logout of unpaired device failed", zap.String("device_id", id), zap.Error(err))
	}

	m.stopLoop(id)
	d, _, err := m.transition(id, store.DeviceDisconnected, clearSession)
	return d, err
}

// Delete removes the device from the gateway and the local list. A device the gateway
// already forgot is removed without error.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if _, ok := m.Get(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	if err := m.gw.DeleteInstance(ctx, id); err != nil && !gateway.IsNotFound(err) {
		return fmt.Errorf("delete device %s: %w", id, err)
	}
	m.stopLoop(id)
	m.drop(id)
	return nil
}

// ApplyConnectionUpdate applies a live connection-update event for device id.
func (m *Manager) ApplyConnectionUpdate(ctx context.Context, id string, update wa.ConnectionUpdate) {
	d, ok := m.Get(id)
	if !ok {
		return
	}
	switch update.State {
	case wa.StateOpen:
		m.stopLoop(id)
		if _, err := m.markOpen(ctx, id, update.Owner); err != nil {
			m.logger.Warn("apply open update", zap.String("device_id", id), zap.Error(err))
		}
	case wa.StateClose:
		if d.Status == store.DeviceDisconnected {
			return
		}
		m.stopLoop(id)
		if _, _, err := m.transition(id, store.DeviceDisconnected, nil); err != nil {
			m.logger.Warn("apply close update", zap.String("device_id", id), zap.Error(err))
		}
	}
}

// Resume reconciles devices left mid-lifecycle by a previous run with the gateway.
func (m *Manager) Resume(ctx context.Context) {
	for _, d := range m.List() {
		if d.Status == store.DeviceDisconnected {
			continue
		}
		st, err := m.gw.ConnectionState(ctx, d.ID)
		switch {
		case gateway.IsNotFound(err):
			m.drop(d.ID)
		case err != nil:
			m.logger.Warn("resume device", zap.String("device_id", d.ID), zap.Error(err))
			if d.Status != store.DeviceConnected {
				_, _, _ = m.transition(d.ID, store.DeviceDisconnected, nil)
			}
		case st.State == wa.StateOpen:
			if _, err := m.markOpen(ctx, d.ID, st.Owner); err != nil {
				m.logger.Warn("resume device", zap.String("device_id", d.ID), zap.Error(err))
			}
		default:
			_, _, _ = m.transition(d.ID, store.DeviceDisconnected, nil)
		}
	}
}

// Close stops every status loop and waits for them to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.cancel()
	loops := m.loops
	m.loops = make(map[string]pollLoop)
	m.mu.Unlock()

	for _, l := range loops {
		l.handle.Stop()
	}
}

// markOpen moves a device to connected and registers the webhook on the way in.
func (m *Manager) markOpen(ctx context.Context, id, owner string) (store.Device, error) {
	d, ok := m.Get(id)
	if !ok {
		return store.Device{}, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	if d.Status == store.DeviceDisconnected {
		if _, _, err := m.transition(id, store.DeviceConnecting, nil); err != nil {
			return d, err
		}
	}

	phone := wa.PhoneNumber(owner)
	d, changed, err := m.transition(id, store.DeviceConnected, func(d *store.Device) {
		if phone != "" {
			d.PhoneNumber = phone
		}
	})
	if err != nil || !changed {
		return d, err
	}

	m.logger.Info("device connected", zap.String("device_id", id), zap.String("phone", d.PhoneNumber))
	if m.cfg.WebhookURL != "" {
		if err := m.gw.SetWebhook(ctx, id, m.cfg.WebhookURL, m.cfg.WebhookEvents); err != nil {
			m.logger.Warn("set webhook", zap.String("device_id", id), zap.Error(err))
		}
	}
	return d, nil
}

// startLoop (re)starts the bounded status loop for id.
func (m *Manager) startLoop(id string) {
	budget := m.cfg.pollAttempts()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	old := m.loops[id]
	m.loopSeq++
	seq := m.loopSeq
	attempts := 0
	h := timer.Every(m.ctx, m.cfg.StatusPollInterval, func(ctx context.Context) bool {
		attempts++
		if m.pollOnce(ctx, id, attempts, budget) {
			return true
		}
		m.forgetLoop(id, seq)
		return false
	})
	m.loops[id] = pollLoop{seq: seq, handle: h}
	m.mu.Unlock()

	old.handle.Stop()
}

// pollOnce checks the remote status once and reports whether the loop should go on.
// It runs on the loop goroutine and so never stops loops itself.
func (m *Manager) pollOnce(ctx context.Context, id string, attempt, budget int) bool {
	st, err := m.gw.ConnectionState(ctx, id)
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		if gateway.IsNotFound(err) {
			m.logger.Warn("device vanished while pairing", zap.String("device_id", id))
			_, _, _ = m.transition(id, store.DeviceDisconnected, clearSession)
			m.drop(id)
			return false
		}
		m.logger.Warn("status poll failed",
			zap.String("device_id", id),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	} else {
		switch st.State {
		case wa.StateOpen:
			if _, err := m.markOpen(ctx, id, st.Owner); err != nil {
				m.logger.Warn("mark connected", zap.String("device_id", id), zap.Error(err))
			}
			return false
		case wa.StateClose:
			_, _, _ = m.transition(id, store.DeviceDisconnected, nil)
			return false
		}
	}

	if attempt >= budget {
		m.logger.Warn("pairing timed out", zap.String("device_id", id), zap.Int("attempts", attempt))
		_, _, _ = m.transition(id, store.DeviceDisconnected, nil)
		return false
	}
	return true
}

func (m *Manager) forgetLoop(id string, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.loops[id]; ok && l.seq == seq {
		delete(m.loops, id)
	}
}

// stopLoop cancels the status loop of id and waits for it. Not callable from the loop itself.
func (m *Manager) stopLoop(id string) {
	m.mu.Lock()
	l := m.loops[id]
	delete(m.loops, id)
	m.mu.Unlock()
	l.handle.Stop()
}

// transition replaces the record of id with one in status to. A same-status call only applies
// edit; pairing material is kept only while waiting for pairing. changed reports whether the
// status moved.
func (m *Manager) transition(id string, to store.DeviceStatus, edit func(*store.Device)) (d store.Device, changed bool, err error) {
	m.mu.Lock()
	i := m.index(id)
	if i < 0 {
		m.mu.Unlock()
		return store.Device{}, false, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	cur := m.devices[i]
	changed = cur.Status != to || to == store.DeviceQRNeeded
	if changed {
		if err := checkTransition(cur.Status, to); err != nil {
			m.mu.Unlock()
			return cur, false, fmt.Errorf("device %s: %w", id, err)
		}
	}

	next := cur
	next.Status = to
	if edit != nil {
		edit(&next)
	}
	if to != store.DeviceQRNeeded {
		next.PairingCode = ""
	}
	next.LastActivityAt = time.Now()

	devices := slices.Clone(m.devices)
	devices[i] = next
	m.devices = devices
	m.persistLocked()
	m.mu.Unlock()

	if changed {
		metrics.DeviceTransitions.WithLabelValues(string(to)).Inc()
		m.logger.Info("device status changed",
			zap.String("device_id", id),
			zap.String("from", string(cur.Status)),
			zap.String("to", string(to)),
		)
		m.bus.Emit(bus.DeviceStatusChanged, StatusChange{DeviceID: id, From: cur.Status, To: to, Device: next})
	}
	return next, changed, nil
}

// drop removes id from the local list and clears it as current.
func (m *Manager) drop(id string) {
	m.mu.Lock()
	i := m.index(id)
	if i < 0 {
		m.mu.Unlock()
		return
	}
	m.devices = slices.Delete(slices.Clone(m.devices), i, i+1)
	m.persistLocked()
	wasCurrent := m.current == id
	if wasCurrent {
		m.current = ""
		if err := m.db.SetSetting(store.SettingCurrentDevice, ""); err != nil {
			m.logger.Warn("clear current device", zap.Error(err))
		}
	}
	m.mu.Unlock()

	m.logger.Info("device removed", zap.String("device_id", id))
	m.bus.Emit(bus.DeviceRemoved, id)
	if wasCurrent {
		m.bus.Emit(bus.DeviceSelected, store.Device{})
	}
}

// persistLocked writes the list through. A write failure keeps the in-memory state.
func (m *Manager) persistLocked() {
	if err := m.db.SaveDevices(m.devices); err != nil {
		m.logger.Warn("persist devices", zap.Error(err))
	}
}

func (m *Manager) index(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(m.devices, func(d store.Device) bool { return d.ID == id })
}

func clearSession(d *store.Device) {
	d.PairingCode = ""
	d.PhoneNumber = ""
}
