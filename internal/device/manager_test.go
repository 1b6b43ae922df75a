package device

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/matheus3301/wppsync/internal/gateway"
	"github.com/matheus3301/wppsync/internal/store"
	"github.com/matheus3301/wppsync/internal/wa"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func notFound(op string) error {
	return &gateway.Error{Op: op, StatusCode: http.StatusNotFound}
}

// fakeGateway answers from fields; states is consumed one per ConnectionState call.
type fakeGateway struct {
	mu          sync.Mutex
	missing     bool
	connect     gateway.ConnectResult
	connectErr  error
	states      []string
	stateErr    error
	owner       string
	logoutErr   error
	deleteErr   error
	createErr   error
	stateCalls  int
	webhooks    []string
	logouts     int
	deletes     int
	connectCall int
}

func (f *fakeGateway) CreateInstance(_ context.Context, name string) (gateway.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return gateway.Instance{Name: name}, f.createErr
}

func (f *fakeGateway) FetchInstance(_ context.Context, name string) (gateway.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing {
		return gateway.Instance{}, notFound("fetch_instance")
	}
	return gateway.Instance{Name: name, Owner: f.owner}, nil
}

func (f *fakeGateway) Connect(context.Context, string) (gateway.ConnectResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCall++
	return f.connect, f.connectErr
}

func (f *fakeGateway) ConnectionState(_ context.Context, name string) (gateway.ConnectionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateCalls++
	if f.stateErr != nil {
		return gateway.ConnectionState{}, f.stateErr
	}
	state := wa.StateConnecting
	if len(f.states) > 0 {
		state, f.states = f.states[0], f.states[1:]
	}
	return gateway.ConnectionState{Instance: name, State: state, Owner: f.owner}, nil
}

func (f *fakeGateway) Logout(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return f.logoutErr
}

func (f *fakeGateway) DeleteInstance(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	return f.deleteErr
}

func (f *fakeGateway) SetWebhook(_ context.Context, name, target string, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhooks = append(f.webhooks, name+"="+target)
	return nil
}

func (f *fakeGateway) calls() (state int, webhooks []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateCalls, append([]string(nil), f.webhooks...)
}

func fastConfig() Config {
	return Config{
		StatusPollInterval: 5 * time.Millisecond,
		PairingTimeout:     50 * time.Millisecond,
		WebhookURL:         "https://hooks.example/wa",
	}
}

func newTestManager(t *testing.T, gw *fakeGateway, db *store.DB, b *bus.Bus) *Manager {
	t.Helper()
	m, err := NewManager(gw, db, b, fastConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Close)
	return m
}

func waitStatus(t *testing.T, m *Manager, id string, want store.DeviceStatus) store.Device {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d, ok := m.Get(id); ok && d.Status == want {
			return d
		}
		time.Sleep(2 * time.Millisecond)
	}
	d, _ := m.Get(id)
	t.Fatalf("device %s status = %s, want %s", id, d.Status, want)
	return d
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from, to store.DeviceStatus
		ok       bool
	}{
		{store.DeviceDisconnected, store.DeviceConnecting, true},
		{store.DeviceConnecting, store.DeviceQRNeeded, true},
		{store.DeviceConnecting, store.DeviceConnected, true},
		{store.DeviceConnecting, store.DeviceDisconnected, true},
		{store.DeviceQRNeeded, store.DeviceQRNeeded, true},
		{store.DeviceQRNeeded, store.DeviceConnected, true},
		{store.DeviceQRNeeded, store.DeviceDisconnected, true},
		{store.DeviceConnected, store.DeviceDisconnected, true},
		{store.DeviceDisconnected, store.DeviceConnected, false},
		{store.DeviceDisconnected, store.DeviceQRNeeded, false},
		{store.DeviceConnected, store.DeviceQRNeeded, false},
		{store.DeviceConnected, store.DeviceConnecting, false},
		{store.DeviceQRNeeded, store.DeviceConnecting, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.ok {
				t.Errorf("CanTransition() = %v, want %v", got, tt.ok)
			}
			err := checkTransition(tt.from, tt.to)
			if tt.ok != (err == nil) || (err != nil && !errors.Is(err, ErrInvalidTransition)) {
				t.Errorf("checkTransition() = %v", err)
			}
		})
	}
}

func TestValidateID(t *testing.T) {
	for _, id := range []string{"sales", "Sales-01", "team_a.b"} {
		if err := ValidateID(id); err != nil {
			t.Errorf("ValidateID(%q) = %v", id, err)
		}
	}
	for _, id := range []string{"", "a b", "a/b", string(make([]byte, 65))} {
		if err := ValidateID(id); err == nil {
			t.Errorf("ValidateID(%q) = nil, want error", id)
		}
	}
}

func TestCreateSelectsFirstDevice(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	ch, unsub := b.Subscribe("device.", 10)
	defer unsub()
	m := newTestManager(t, &fakeGateway{}, db, b)

	d, err := m.Create(context.Background(), "sales")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if d.Status != store.DeviceDisconnected {
		t.Errorf("status = %s", d.Status)
	}
	if _, err := m.Create(context.Background(), "sales"); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate Create() error = %v, want ErrExists", err)
	}
	if _, err := m.Create(context.Background(), "support"); err != nil {
		t.Fatal(err)
	}

	if cur, ok := m.Current(); !ok || cur.ID != "sales" {
		t.Errorf("Current() = %+v, %v; want sales", cur, ok)
	}
	if v, _ := db.Setting(store.SettingCurrentDevice); v != "sales" {
		t.Errorf("persisted current = %q", v)
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.DeviceStatusChanged {
			t.Errorf("first event = %s", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no device event")
	}
}

func TestCreateAdoptsExistingInstance(t *testing.T) {
	gw := &fakeGateway{createErr: &gateway.Error{Op: "create_instance", StatusCode: http.StatusForbidden}}
	m := newTestManager(t, gw, testDB(t), bus.New())

	if _, err := m.Create(context.Background(), "sales"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, ok := m.Get("sales"); !ok {
		t.Error("existing instance not adopted")
	}

	gw.createErr = &gateway.Error{Op: "create_instance", StatusCode: http.StatusBadGateway}
	if _, err := m.Create(context.Background(), "other"); err == nil {
		t.Error("Create() swallowed a server error")
	}
}

func TestConnectNotFoundDropsDevice(t *testing.T) {
	db := testDB(t)
	gw := &fakeGateway{}
	m := newTestManager(t, gw, db, bus.New())
	if _, err := m.Create(context.Background(), "ghost"); err != nil {
		t.Fatal(err)
	}

	gw.missing = true
	_, err := m.Connect(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Connect() error = %v, want ErrNotFound", err)
	}
	if _, ok := m.Get("ghost"); ok {
		t.Error("device still listed after 404")
	}
	if _, ok := m.Current(); ok {
		t.Error("removed device still current")
	}
	persisted, _ := db.LoadDevices()
	if len(persisted) != 0 {
		t.Errorf("persisted devices = %+v", persisted)
	}
}

func TestConnectNotFoundOnConnectCallNeverStaysConnecting(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.DeviceStatusChanged, 10)
	defer unsub()
	gw := &fakeGateway{connectErr: notFound("connect")}
	m := newTestManager(t, gw, testDB(t), b)
	if _, err := m.Create(context.Background(), "ghost"); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Connect(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Connect() error = %v", err)
	}
	if len(m.List()) != 0 {
		t.Error("device not dropped")
	}

	var last store.DeviceStatus
	for {
		select {
		case evt := <-ch:
			last = evt.Payload.(StatusChange).To
			continue
		default:
		}
		break
	}
	if last != store.DeviceDisconnected {
		t.Errorf("last published status = %s, want disconnected", last)
	}
}

func TestConnectPairingThenOpen(t *testing.T) {
	gw := &fakeGateway{
		connect: gateway.ConnectResult{Code: "2@abc"},
		states:  []string{wa.StateConnecting, wa.StateOpen},
		owner:   "5585992403672@s.whatsapp.net",
	}
	m := newTestManager(t, gw, testDB(t), bus.New())
	if _, err := m.Create(context.Background(), "sales"); err != nil {
		t.Fatal(err)
	}

	d, err := m.Connect(context.Background(), "sales")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if d.Status != store.DeviceQRNeeded || d.PairingCode != "2@abc" {
		t.Errorf("after Connect = %+v", d)
	}

	d = waitStatus(t, m, "sales", store.DeviceConnected)
	if d.PairingCode != "" {
		t.Error("pairing code kept after connecting")
	}
	if d.PhoneNumber != "5585992403672" {
		t.Errorf("phone = %q", d.PhoneNumber)
	}
	_, hooks := gw.calls()
	if len(hooks) != 1 || hooks[0] != "sales=https://hooks.example/wa" {
		t.Errorf("webhooks = %v", hooks)
	}
}

func TestConnectAlreadyOpen(t *testing.T) {
	gw := &fakeGateway{connect: gateway.ConnectResult{State: wa.StateOpen}, owner: "5511999990000@s.whatsapp.net"}
	m := newTestManager(t, gw, testDB(t), bus.New())
	if _, err := m.Create(context.Background(), "sales"); err != nil {
		t.Fatal(err)
	}

	d, err := m.Connect(context.Background(), "sales")
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != store.DeviceConnected || d.PhoneNumber != "5511999990000" {
		t.Errorf("device = %+v", d)
	}
	time.Sleep(20 * time.Millisecond)
	if n, _ := gw.calls(); n != 0 {
		t.Errorf("status polled %d times for an open session", n)
	}

	// Connecting a connected device is a no-op.
	if _, err := m.Connect(context.Background(), "sales"); err != nil {
		t.Fatal(err)
	}
	if gw.connectCall != 1 {
		t.Errorf("gateway connect called %d times", gw.connectCall)
	}
}

func TestPairingTimesOut(t *testing.T) {
	gw := &fakeGateway{connect: gateway.ConnectResult{Code: "2@abc"}}
	m := newTestManager(t, gw, testDB(t), bus.New())
	if _, err := m.Create(context.Background(), "sales"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Connect(context.Background(), "sales"); err != nil {
		t.Fatal(err)
	}

	d := waitStatus(t, m, "sales", store.DeviceDisconnected)
	if d.PairingCode != "" {
		t.Error("pairing code kept after timeout")
	}
	calls, _ := gw.calls()
	if want := fastConfig().pollAttempts(); calls != want {
		t.Errorf("status polls = %d, want %d", calls, want)
	}
}

func TestPollErrorsCountTowardBudget(t *testing.T) {
	gw := &fakeGateway{
		connect:  gateway.ConnectResult{Code: "2@abc"},
		stateErr: &gateway.Error{Op: "connection_state", StatusCode: http.StatusBadGateway},
	}
	m := newTestManager(t, gw, testDB(t), bus.New())
	if _, err := m.Create(context.Background(), "sales"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Connect(context.Background(), "sales"); err != nil {
		t.Fatal(err)
	}

	waitStatus(t, m, "sales", store.DeviceDisconnected)
	before, _ := gw.calls()
	time.Sleep(30 * time.Millisecond)
	if after, _ := gw.calls(); after != before {
		t.Errorf("polling continued after the budget: %d -> %d", before, after)
	}
}

func TestPollCloseStopsLoop(t *testing.T) {
	gw := &fakeGateway{connect: gateway.ConnectResult{Code: "2@abc"}, states: []string{wa.StateClose}}
	m := newTestManager(t, gw, testDB(t), bus.New())
	if _, err := m.Create(context.Background(), "sales"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Connect(context.Background(), "sales"); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, m, "sales", store.DeviceDisconnected)
	if n, _ := gw.calls(); n != 1 {
		t.Errorf("status polls = %d, want 1", n)
	}
}

func TestConnectFailureIsRetryable(t *testing.T) {
	gw := &fakeGateway{connectErr: &gateway.Error{Op: "connect", StatusCode: http.StatusInternalServerError}}
	m := newTestManager(t, gw, testDB(t), bus.New())
	if _, err := m.Create(context.Background(), "sales"); err != nil {
		t.Fatal(err)
	}

	d, err := m.Connect(context.Background(), "sales")
	if !gateway.IsTemporary(err) {
		t.Fatalf("Connect() error = %v, want temporary gateway error", err)
	}
	if d.Status != store.DeviceDisconnected {
		t.Errorf("status = %s, want disconnected", d.Status)
	}
}

func TestDisconnectClearsSessionAndStopsLoop(t *testing.T) {
	gw := &fakeGateway{connect: gateway.ConnectResult{Code: "2@abc"}}
	m := newTestManager(t, gw, testDB(t), bus.New())
	if _, err := m.Create(context.Background(), "sales"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Connect(context.Background(), "sales"); err != nil {
		t.Fatal(err)
	}

	d, err := m.Disconnect(context.Background(), "sales")
	if err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if d.Status != store.DeviceDisconnected || d.PairingCode != "" || d.PhoneNumber != "" {
		t.Errorf("device = %+v", d)
	}
	before, _ := gw.calls()
	time.Sleep(30 * time.Millisecond)
	if after, _ := gw.calls(); after != before {
		t.Error("status loop still running after Disconnect")
	}
}

func TestDisconnectConnectedSurfacesLogoutFailure(t *testing.T) {
	gw := &fakeGateway{connect: gateway.ConnectResult{State: wa.StateOpen}}
	m := newTestManager(t, gw, testDB(t), bus.New())
	if _, err := m.Create(context.Background(), "sales"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Connect(context.Background(), "sales"); err != nil {
		t.Fatal(err)
	}

	gw.logoutErr = &gateway.Error{Op: "logout", StatusCode: http.StatusBadGateway}
	if _, err := m.Disconnect(context.Background(), "sales"); err == nil {
		t.Fatal("Disconnect() swallowed logout failure")
	}
	if d, _ := m.Get("sales"); d.Status != store.DeviceConnected {
		t.Errorf("status = %s after failed logout", d.Status)
	}

	gw.logoutErr = notFound("logout")
	if d, err := m.Disconnect(context.Background(), "sales"); err != nil || d.Status != store.DeviceDisconnected {
		t.Errorf("Disconnect() after 404 = %+v, %v", d, err)
	}
}

func TestDeleteTreatsNotFoundAsSuccess(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.DeviceRemoved, 1)
	defer unsub()
	gw := &fakeGateway{deleteErr: notFound("delete_instance")}
	m := newTestManager(t, gw, testDB(t), b)
	if _, err := m.Create(context.Background(), "sales"); err != nil {
		t.Fatal(err)
	}

	if err := m.Delete(context.Background(), "sales"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if len(m.List()) != 0 {
		t.Error("device still listed")
	}
	select {
	case evt := <-ch:
		if evt.Payload.(string) != "sales" {
			t.Errorf("removed payload = %v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no removal event")
	}

	if err := m.Delete(context.Background(), "sales"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("Delete() of unknown = %v", err)
	}
}

func TestApplyConnectionUpdate(t *testing.T) {
	gw := &fakeGateway{connect: gateway.ConnectResult{State: wa.StateOpen}}
	m := newTestManager(t, gw, testDB(t), bus.New())
	if _, err := m.Create(context.Background(), "sales"); err != nil {
		t.Fatal(err)
	}

	m.ApplyConnectionUpdate(context.Background(), "sales", wa.ConnectionUpdate{State: wa.StateOpen, Owner: "5511999990000@s.whatsapp.net"})
	d, _ := m.Get("sales")
	if d.Status != store.DeviceConnected || d.PhoneNumber != "5511999990000" {
		t.Errorf("after open = %+v", d)
	}

	m.ApplyConnectionUpdate(context.Background(), "sales", wa.ConnectionUpdate{State: wa.StateClose})
	if d, _ := m.Get("sales"); d.Status != store.DeviceDisconnected {
		t.Errorf("after close = %s", d.Status)
	}

	m.ApplyConnectionUpdate(context.Background(), "nobody", wa.ConnectionUpdate{State: wa.StateOpen})
}

func TestDevicesSurviveRestart(t *testing.T) {
	db := testDB(t)
	gw := &fakeGateway{connect: gateway.ConnectResult{Code: "2@abc"}, states: []string{wa.StateOpen}, owner: "5511999990000@s.whatsapp.net"}
	m, err := NewManager(gw, db, bus.New(), Config{StatusPollInterval: time.Hour}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create(context.Background(), "sales"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Connect(context.Background(), "sales"); err != nil {
		t.Fatal(err)
	}
	m.Close()

	// A restart finds the device stuck mid-pairing and asks the gateway.
	m2 := newTestManager(t, gw, db, bus.New())
	if d, ok := m2.Get("sales"); !ok || d.Status != store.DeviceQRNeeded {
		t.Fatalf("reloaded device = %+v, %v", d, ok)
	}
	if cur, ok := m2.Current(); !ok || cur.ID != "sales" {
		t.Error("current device not restored")
	}

	m2.Resume(context.Background())
	if d, _ := m2.Get("sales"); d.Status != store.DeviceConnected {
		t.Errorf("status after Resume = %s, want connected", d.Status)
	}
}

func TestCloseStopsLoops(t *testing.T) {
	gw := &fakeGateway{connect: gateway.ConnectResult{Code: "2@abc"}}
	m, err := NewManager(gw, testDB(t), bus.New(), Config{StatusPollInterval: 5 * time.Millisecond, PairingTimeout: time.Minute}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create(context.Background(), "sales"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Connect(context.Background(), "sales"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(15 * time.Millisecond)

	m.Close()
	before, _ := gw.calls()
	time.Sleep(30 * time.Millisecond)
	if after, _ := gw.calls(); after != before {
		t.Errorf("status polled %d times after Close", after-before)
	}
}
