package autoreply

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/matheus3301/wppsync/internal/store"
	"github.com/matheus3301/wppsync/internal/wa"
	"go.uber.org/zap"
)

const chatA = "5511999990001@s.whatsapp.net"

type mockSender struct {
	mu    sync.Mutex
	calls []sendCall
	err   error
}

type sendCall struct {
	ChatID string
	Text   string
	At     time.Time
}

func (m *mockSender) Send(_ context.Context, chatID, text string) (store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, sendCall{ChatID: chatID, Text: text, At: time.Now()})
	return store.Message{ChatID: chatID, Body: text, Pending: true}, m.err
}

func (m *mockSender) sent() []sendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sendCall(nil), m.calls...)
}

func echo(prefix string) Replier {
	return ReplierFunc(func(_ context.Context, req Request) (string, error) {
		return prefix + req.Text, nil
	})
}

func startResponder(t *testing.T, replier Replier, sender Sender, cfg Config) *bus.Bus {
	t.Helper()
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	r := New(replier, sender, b, cfg, logger)
	r.Start(context.Background())
	t.Cleanup(r.Stop)
	return b
}

func waitSent(t *testing.T, m *mockSender, n int) []sendCall {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if calls := m.sent(); len(calls) >= n {
			return calls
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("got %d sends, want %d", len(m.sent()), n)
	return nil
}

func TestResponderRepliesAfterTypingDelay(t *testing.T) {
	sender := &mockSender{}
	b := startResponder(t, echo("re: "), sender, Config{TypingDelay: 50 * time.Millisecond})

	start := time.Now()
	b.Emit(bus.RealtimeMessage, wa.Envelope{Instance: "sales", ChatID: "5511999990001", MessageID: "m1", Body: "oi"})

	calls := waitSent(t, sender, 1)
	if calls[0].ChatID != chatA || calls[0].Text != "re: oi" {
		t.Errorf("call = %+v", calls[0])
	}
	if d := calls[0].At.Sub(start); d < 50*time.Millisecond {
		t.Errorf("reply sent after %v, want at least the typing delay", d)
	}
}

func TestResponderSkipsOwnAndGroupMessages(t *testing.T) {
	sender := &mockSender{}
	b := startResponder(t, echo(""), sender, Config{TypingDelay: -1})

	b.Emit(bus.RealtimeMessage, wa.Envelope{ChatID: chatA, Body: "mine", FromMe: true})
	b.Emit(bus.RealtimeMessage, wa.Envelope{ChatID: "120363025246125486@g.us", Body: "group"})
	b.Emit(bus.RealtimeMessage, wa.Envelope{ChatID: chatA, Body: ""})
	b.Emit(bus.RealtimeMessage, wa.Envelope{ChatID: chatA, Body: "last"})

	calls := waitSent(t, sender, 1)
	time.Sleep(20 * time.Millisecond)
	if calls = sender.sent(); len(calls) != 1 || calls[0].Text != "last" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestResponderEmptyReplyStaysQuiet(t *testing.T) {
	sender := &mockSender{}
	var mu sync.Mutex
	seen := 0
	quiet := ReplierFunc(func(context.Context, Request) (string, error) {
		mu.Lock()
		seen++
		mu.Unlock()
		return "", nil
	})
	b := startResponder(t, quiet, sender, Config{TypingDelay: -1})

	b.Emit(bus.RealtimeMessage, wa.Envelope{ChatID: chatA, Body: "oi"})
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := seen
		mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if len(sender.sent()) != 0 {
		t.Error("sent a reply for an empty draft")
	}
}

func TestResponderKeepsGoingAfterFailures(t *testing.T) {
	sender := &mockSender{err: errors.New("gateway 500")}
	calls := 0
	flaky := ReplierFunc(func(_ context.Context, req Request) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("assistant down")
		}
		return "ok", nil
	})
	b := startResponder(t, flaky, sender, Config{TypingDelay: -1})

	b.Emit(bus.RealtimeMessage, wa.Envelope{ChatID: chatA, Body: "first"})
	b.Emit(bus.RealtimeMessage, wa.Envelope{ChatID: chatA, Body: "second"})
	b.Emit(bus.RealtimeMessage, wa.Envelope{ChatID: chatA, Body: "third"})

	// The first draft fails, the other two are sent (and fail at the gateway).
	got := waitSent(t, sender, 2)
	if got[0].Text != "ok" || got[1].Text != "ok" {
		t.Errorf("calls = %+v", got)
	}
}

func TestStopAbortsTypingDelay(t *testing.T) {
	sender := &mockSender{}
	b := bus.New()
	r := New(echo(""), sender, b, Config{TypingDelay: time.Hour}, nil)
	r.Start(context.Background())

	b.Emit(bus.RealtimeMessage, wa.Envelope{ChatID: chatA, Body: "oi"})
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on the typing delay")
	}
	if len(sender.sent()) != 0 {
		t.Error("reply sent after Stop")
	}
}

func TestHTTPReplier(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		switch got.Text {
		case "quiet":
			w.WriteHeader(http.StatusNoContent)
		case "boom":
			http.Error(w, "model overloaded", http.StatusServiceUnavailable)
		default:
			_ = json.NewEncoder(w).Encode(map[string]string{"reply": " hello " + got.PushName + " "})
		}
	}))
	defer srv.Close()

	r := NewHTTPReplier(srv.URL, time.Second)
	ctx := context.Background()

	reply, err := r.Reply(ctx, Request{DeviceID: "sales", ChatID: chatA, PushName: "Ana", Text: "oi"})
	if err != nil || reply != "hello Ana" {
		t.Errorf("Reply() = %q, %v", reply, err)
	}
	if got.DeviceID != "sales" || got.ChatID != chatA {
		t.Errorf("request = %+v", got)
	}

	if reply, err := r.Reply(ctx, Request{Text: "quiet"}); err != nil || reply != "" {
		t.Errorf("Reply(quiet) = %q, %v", reply, err)
	}
	if _, err := r.Reply(ctx, Request{Text: "boom"}); err == nil {
		t.Error("Reply(boom) error = nil")
	}
}
