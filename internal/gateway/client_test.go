package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "secret", WithTimeout(2*time.Second))
}

func TestRequestCarriesAPIKey(t *testing.T) {
	var gotKey, gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("apikey")
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"instance": {"instanceName": "sales", "state": "open"}}`))
	})

	st, err := c.ConnectionState(context.Background(), "sales")
	if err != nil {
		t.Fatalf("ConnectionState() error = %v", err)
	}
	if gotKey != "secret" {
		t.Errorf("apikey header = %q, want secret", gotKey)
	}
	if gotPath != "/instance/connectionState/sales" {
		t.Errorf("path = %q", gotPath)
	}
	if st.State != "open" || st.Instance != "sales" {
		t.Errorf("state = %+v", st)
	}
}

func TestNotFoundError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"status": 404, "error": "Not Found", "response": {"message": ["The \"ghost\" instance does not exist"]}}`))
	})

	err := c.Logout(context.Background(), "ghost")
	if !IsNotFound(err) {
		t.Fatalf("IsNotFound(%v) = false", err)
	}
	var gerr *Error
	if !errors.As(err, &gerr) {
		t.Fatal("error is not *Error")
	}
	if gerr.Op != "logout" || gerr.Body != `The "ghost" instance does not exist` {
		t.Errorf("error = %+v", gerr)
	}
	if gerr.Temporary() {
		t.Error("404 reported as temporary")
	}
}

func TestServerErrorIsTemporary(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	})
	_, err := c.FetchChats(context.Background(), "sales")
	if err == nil {
		t.Fatal("expected error")
	}
	if IsNotFound(err) || !IsTemporary(err) {
		t.Errorf("err = %v, want temporary non-404", err)
	}
}

func TestFetchInstanceMissingFromList(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("instanceName"); got != "sales" {
			t.Errorf("instanceName query = %q", got)
		}
		_, _ = w.Write([]byte(`[{"name": "support", "connectionStatus": "open"}]`))
	})
	if _, err := c.FetchInstance(context.Background(), "sales"); !IsNotFound(err) {
		t.Errorf("FetchInstance() error = %v, want not found", err)
	}
}

func TestFetchInstance(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"name": "sales", "connectionStatus": "open", "ownerJid": "5511@s.whatsapp.net", "profileName": "Shop"}]`))
	})
	inst, err := c.FetchInstance(context.Background(), "sales")
	if err != nil {
		t.Fatal(err)
	}
	if inst.Status != "open" || inst.Owner != "5511@s.whatsapp.net" || inst.ProfileName != "Shop" {
		t.Errorf("instance = %+v", inst)
	}
}

func TestConnectPairing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"pairingCode": "WZYEH1YY", "code": "2@abc,def", "base64": "data:image/png;base64,AAA", "count": 1}`))
	})
	res, err := c.Connect(context.Background(), "sales")
	if err != nil {
		t.Fatal(err)
	}
	if !res.NeedsPairing() || res.Payload() != "2@abc,def" {
		t.Errorf("result = %+v", res)
	}
}

func TestConnectAlreadyOpen(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"instance": {"instanceName": "sales", "state": "open"}}`))
	})
	res, err := c.Connect(context.Background(), "sales")
	if err != nil {
		t.Fatal(err)
	}
	if res.NeedsPairing() || res.State != "open" {
		t.Errorf("result = %+v", res)
	}
}

func TestFetchChats(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"id": "c1", "remoteJid": "5511999990000@s.whatsapp.net", "pushName": "Alice", "updatedAt": "2025-01-15T12:00:00.000Z",
			 "lastMessage": {"key": {"remoteJid": "5511999990000@s.whatsapp.net", "id": "m9"}, "message": {"conversation": "see you"}, "messageTimestamp": 1736942460}},
			{"id": "c2", "remoteJid": "120363000000000001@g.us", "name": "Team", "unreadCount": 3},
			{"id": "c3"}
		]`))
	})

	chats, err := c.FetchChats(context.Background(), "sales")
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 2 {
		t.Fatalf("got %d chats, want 2 (record without address skipped)", len(chats))
	}
	a := chats[0]
	if a.ID != "5511999990000@s.whatsapp.net" || a.Name != "Alice" || a.LastMessageText != "see you" {
		t.Errorf("chat = %+v", a)
	}
	if a.LastMessageAt.Unix() != 1736942460 {
		t.Errorf("LastMessageAt = %v, want the newer last-message timestamp", a.LastMessageAt)
	}
	if chats[1].Name != "Team" || chats[1].UnreadCount != 3 {
		t.Errorf("group chat = %+v", chats[1])
	}
}

func TestFetchMessagesPaginatedShape(t *testing.T) {
	var body map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		_, _ = w.Write([]byte(`{"messages": {"total": 2, "records": [
			{"key": {"remoteJid": "5511@s.whatsapp.net", "id": "b", "fromMe": true}, "message": {"conversation": "two"}, "messageTimestamp": 20},
			{"key": {"remoteJid": "5511@s.whatsapp.net", "id": "a"}, "message": {"conversation": "one"}, "messageTimestamp": 10},
			{"broken": true}
		]}}`))
	})

	msgs, err := c.FetchMessages(context.Background(), "sales", "5511@s.whatsapp.net", 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].MessageID != "b" || !msgs[0].FromMe || msgs[0].Instance != "sales" {
		t.Errorf("first = %+v", msgs[0])
	}
	if body["limit"] != float64(50) {
		t.Errorf("limit sent = %v", body["limit"])
	}
}

func TestFetchContactsAndFindContact(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"remoteJid": "5511999990000@s.whatsapp.net", "pushName": "Alice", "profilePicUrl": "https://pic"}]`))
	})

	contacts, err := c.FetchContacts(context.Background(), "sales")
	if err != nil || len(contacts) != 1 {
		t.Fatalf("FetchContacts() = %v, %v", contacts, err)
	}

	ct, ok, err := c.FindContact(context.Background(), "sales", "5511999990000:4@s.whatsapp.net")
	if err != nil || !ok {
		t.Fatalf("FindContact() = %v, %v", ok, err)
	}
	if ct.Name != "Alice" || ct.AvatarURL != "https://pic" {
		t.Errorf("contact = %+v", ct)
	}
}

func TestSendTextUsesPhoneNumber(t *testing.T) {
	var body map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		_, _ = w.Write([]byte(`{"key": {"remoteJid": "5511999990000@s.whatsapp.net", "fromMe": true, "id": "SRV1"}, "message": {"conversation": "hello"}, "messageTimestamp": "1736942400"}`))
	})

	env, err := c.SendText(context.Background(), "sales", "5511999990000@s.whatsapp.net", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if body["number"] != "5511999990000" || body["text"] != "hello" {
		t.Errorf("request body = %v", body)
	}
	if env.MessageID != "SRV1" || !env.FromMe {
		t.Errorf("envelope = %+v", env)
	}
}

func TestSetWebhook(t *testing.T) {
	var body struct {
		Webhook struct {
			Enabled bool     `json:"enabled"`
			URL     string   `json:"url"`
			Events  []string `json:"events"`
		} `json:"webhook"`
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/webhook/set/sales" {
			t.Errorf("path = %q", r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.WriteHeader(http.StatusCreated)
	})

	events := []string{"MESSAGES_UPSERT", "CONNECTION_UPDATE"}
	if err := c.SetWebhook(context.Background(), "sales", "https://hooks.example/wa", events); err != nil {
		t.Fatal(err)
	}
	if !body.Webhook.Enabled || body.Webhook.URL != "https://hooks.example/wa" || len(body.Webhook.Events) != 2 {
		t.Errorf("webhook body = %+v", body.Webhook)
	}
}
