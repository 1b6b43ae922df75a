package wa

import (
	"testing"
	"time"

	"github.com/matheus3301/wppsync/internal/store"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"
)

func TestExtractTextBody(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
		want string
	}{
		{"nil message", nil, ""},
		{"conversation", &waE2E.Message{Conversation: proto.String("hello")}, "hello"},
		{"extended text", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("extended")}}, "extended"},
		{"image caption", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("look")}}, "look"},
		{"image (no text)", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}, ""},
		{"document name", &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{FileName: proto.String("a.pdf")}}, "a.pdf"},
		{"empty conversation", &waE2E.Message{Conversation: proto.String("")}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractTextBody(tt.msg)
			if got != tt.want {
				t.Errorf("extractTextBody() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetectMessageType(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
		want string
	}{
		{"nil", nil, "unknown"},
		{"text conversation", &waE2E.Message{Conversation: proto.String("hi")}, "text"},
		{"extended text", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("hi")}}, "text"},
		{"image", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}, "image"},
		{"video", &waE2E.Message{VideoMessage: &waE2E.VideoMessage{}}, "video"},
		{"audio", &waE2E.Message{AudioMessage: &waE2E.AudioMessage{}}, "audio"},
		{"document", &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{}}, "document"},
		{"sticker", &waE2E.Message{StickerMessage: &waE2E.StickerMessage{}}, "sticker"},
		{"contact", &waE2E.Message{ContactMessage: &waE2E.ContactMessage{}}, "contact"},
		{"location", &waE2E.Message{LocationMessage: &waE2E.LocationMessage{}}, "location"},
		{"empty message", &waE2E.Message{}, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := detectMessageType(tt.msg)
			if got != tt.want {
				t.Errorf("detectMessageType() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseMessageRecord(t *testing.T) {
	raw := `{
		"key": {"remoteJid": "5511999990000:3@s.whatsapp.net", "fromMe": false, "id": "3EB0ABC"},
		"pushName": "Alice",
		"message": {"conversation": "hello world"},
		"messageType": "conversation",
		"messageTimestamp": 1736942400,
		"owner": "sales"
	}`

	env, err := ParseMessageRecord([]byte(raw))
	if err != nil {
		t.Fatalf("ParseMessageRecord() error = %v", err)
	}
	if env.ChatID != "5511999990000@s.whatsapp.net" {
		t.Errorf("ChatID = %q, want device suffix stripped", env.ChatID)
	}
	if env.MessageID != "3EB0ABC" || env.PushName != "Alice" || env.Instance != "sales" {
		t.Errorf("envelope = %+v", env)
	}
	if env.Body != "hello world" || env.Type != "text" {
		t.Errorf("Body/Type = %q/%q", env.Body, env.Type)
	}
	want := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	if !env.SentAt.Equal(want) {
		t.Errorf("SentAt = %v, want %v", env.SentAt, want)
	}
	if env.Direction() != store.DirectionInbound || env.Kind() != store.KindText {
		t.Errorf("Direction/Kind = %s/%s", env.Direction(), env.Kind())
	}
}

func TestParseMessageRecordLenientMedia(t *testing.T) {
	// Binary fields serialized as index maps are not valid protojson.
	raw := `{
		"key": {"remoteJid": "120363000000000001@g.us", "fromMe": true, "id": "M2"},
		"message": {"imageMessage": {"caption": "menu", "jpegThumbnail": {"0": 255, "1": 216}}},
		"messageTimestamp": "1736942400"
	}`

	env, err := ParseMessageRecord([]byte(raw))
	if err != nil {
		t.Fatalf("ParseMessageRecord() error = %v", err)
	}
	if env.Type != "image" || env.Body != "menu" {
		t.Errorf("Type/Body = %q/%q, want image/menu", env.Type, env.Body)
	}
	if env.Kind() != store.KindMedia || env.Direction() != store.DirectionOutbound {
		t.Errorf("Kind/Direction = %s/%s", env.Kind(), env.Direction())
	}
	if env.SentAt.Unix() != 1736942400 {
		t.Errorf("SentAt = %v", env.SentAt)
	}
}

func TestParseMessageRecordTypeHint(t *testing.T) {
	raw := `{"key": {"remoteJid": "5511@s.whatsapp.net", "id": "M3"}, "messageType": "audioMessage", "messageTimestamp": {"low": 1736942400, "high": 0}}`
	env, err := ParseMessageRecord([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != "audio" {
		t.Errorf("Type = %q, want audio", env.Type)
	}
	if env.Preview() != "[audio]" {
		t.Errorf("Preview = %q, want [audio]", env.Preview())
	}
	if env.SentAt.Unix() != 1736942400 {
		t.Errorf("SentAt = %v", env.SentAt)
	}
}

func TestParseMessageRecordRejectsMissingKey(t *testing.T) {
	for _, raw := range []string{`{}`, `{"key": {"remoteJid": "x@s.whatsapp.net"}}`, `not json`} {
		if _, err := ParseMessageRecord([]byte(raw)); err == nil {
			t.Errorf("ParseMessageRecord(%s) succeeded, want error", raw)
		}
	}
}

func TestToStoreMessage(t *testing.T) {
	env := Envelope{
		ChatID:    "chat@s.whatsapp.net",
		MessageID: "m1",
		PushName:  "Bob",
		Body:      "test",
		Type:      "text",
		FromMe:    true,
		SentAt:    time.UnixMilli(42000),
	}

	sm := env.ToStoreMessage()

	if sm.ChatID != "chat@s.whatsapp.net" || sm.ID != "m1" {
		t.Errorf("ids = %q/%q", sm.ChatID, sm.ID)
	}
	if sm.Direction != store.DirectionOutbound {
		t.Errorf("Direction = %q, want outbound-self", sm.Direction)
	}
	if sm.Pending {
		t.Error("fetched or live messages are never pending")
	}
}

func TestUnixTimeMilliseconds(t *testing.T) {
	if got := unixTime(1736942400123); got.UnixMilli() != 1736942400123 {
		t.Errorf("unixTime(ms) = %v", got)
	}
	if got := unixTime(0); !got.IsZero() {
		t.Errorf("unixTime(0) = %v, want zero", got)
	}
}
