package wa

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/wppsync/internal/store"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// Envelope is a message event normalized from whichever transport or fetch produced it.
type Envelope struct {
	Instance  string
	ChatID    string
	MessageID string
	FromMe    bool
	PushName  string
	Body      string
	Type      string
	SentAt    time.Time
}

// Kind collapses the detailed message type into text or media.
func (e Envelope) Kind() store.MessageKind {
	switch e.Type {
	case "text", "unknown", "":
		return store.KindText
	default:
		return store.KindMedia
	}
}

// Direction reports whether the paired device or the counterparty sent the message.
func (e Envelope) Direction() store.Direction {
	if e.FromMe {
		return store.DirectionOutbound
	}
	return store.DirectionInbound
}

// Preview is the text shown as a chat's last message.
func (e Envelope) Preview() string {
	if e.Body != "" {
		return e.Body
	}
	if e.Kind() == store.KindMedia {
		return "[" + e.Type + "]"
	}
	return ""
}

// ToStoreMessage converts an Envelope to a timeline entry.
func (e Envelope) ToStoreMessage() store.Message {
	return store.Message{
		ID:        e.MessageID,
		ChatID:    e.ChatID,
		Direction: e.Direction(),
		Body:      e.Body,
		SentAt:    e.SentAt,
		Kind:      e.Kind(),
		PushName:  e.PushName,
	}
}

// messageRecord is the gateway's JSON shape for a single message, shared by live events
// and message fetches.
type messageRecord struct {
	Key struct {
		RemoteJid   string `json:"remoteJid"`
		FromMe      bool   `json:"fromMe"`
		ID          string `json:"id"`
		Participant string `json:"participant"`
	} `json:"key"`
	PushName         string          `json:"pushName"`
	Message          json.RawMessage `json:"message"`
	MessageType      string          `json:"messageType"`
	MessageTimestamp flexInt         `json:"messageTimestamp"`
	Owner            string          `json:"owner"`
	InstanceID       string          `json:"instanceId"`
}

// ParseMessageRecord normalizes one gateway message record.
func ParseMessageRecord(raw []byte) (Envelope, error) {
	var rec messageRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Envelope{}, fmt.Errorf("decode message record: %w", err)
	}
	if rec.Key.RemoteJid == "" {
		return Envelope{}, fmt.Errorf("message record without remoteJid")
	}
	if rec.Key.ID == "" {
		return Envelope{}, fmt.Errorf("message record without id")
	}

	msg := decodeMessageContent(rec.Message)
	msgType := detectMessageType(msg)
	if msgType == "unknown" && rec.MessageType != "" {
		msgType = typeFromHint(rec.MessageType)
	}

	return Envelope{
		Instance:  rec.Owner,
		ChatID:    CanonicalAddress(rec.Key.RemoteJid),
		MessageID: rec.Key.ID,
		FromMe:    rec.Key.FromMe,
		PushName:  rec.PushName,
		Body:      extractTextBody(msg),
		Type:      msgType,
		SentAt:    unixTime(int64(rec.MessageTimestamp)),
	}, nil
}

// decodeMessageContent reads the message payload into the protocol message type. The gateway
// serializes it with protobuf JSON field names, but binary fields are not always valid protojson,
// so a lenient decode of the fields we read is the fallback.
func decodeMessageContent(raw json.RawMessage) *waE2E.Message {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var msg waE2E.Message
	if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(raw, &msg); err == nil {
		return &msg
	}

	var loose struct {
		Conversation        *string `json:"conversation"`
		ExtendedTextMessage *struct {
			Text string `json:"text"`
		} `json:"extendedTextMessage"`
		ImageMessage *struct {
			Caption string `json:"caption"`
		} `json:"imageMessage"`
		VideoMessage *struct {
			Caption string `json:"caption"`
		} `json:"videoMessage"`
		DocumentMessage *struct {
			Caption  string `json:"caption"`
			FileName string `json:"fileName"`
		} `json:"documentMessage"`
		AudioMessage    json.RawMessage `json:"audioMessage"`
		StickerMessage  json.RawMessage `json:"stickerMessage"`
		ContactMessage  json.RawMessage `json:"contactMessage"`
		LocationMessage json.RawMessage `json:"locationMessage"`
	}
	if err := json.Unmarshal(raw, &loose); err != nil {
		return nil
	}

	out := &waE2E.Message{Conversation: loose.Conversation}
	if m := loose.ExtendedTextMessage; m != nil {
		out.ExtendedTextMessage = &waE2E.ExtendedTextMessage{Text: proto.String(m.Text)}
	}
	if m := loose.ImageMessage; m != nil {
		out.ImageMessage = &waE2E.ImageMessage{Caption: proto.String(m.Caption)}
	}
	if m := loose.VideoMessage; m != nil {
		out.VideoMessage = &waE2E.VideoMessage{Caption: proto.String(m.Caption)}
	}
	if m := loose.DocumentMessage; m != nil {
		out.DocumentMessage = &waE2E.DocumentMessage{Caption: proto.String(m.Caption), FileName: proto.String(m.FileName)}
	}
	if present(loose.AudioMessage) {
		out.AudioMessage = &waE2E.AudioMessage{}
	}
	if present(loose.StickerMessage) {
		out.StickerMessage = &waE2E.StickerMessage{}
	}
	if present(loose.ContactMessage) {
		out.ContactMessage = &waE2E.ContactMessage{}
	}
	if present(loose.LocationMessage) {
		out.LocationMessage = &waE2E.LocationMessage{}
	}
	return out
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return vid.GetCaption()
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		if c := doc.GetCaption(); c != "" {
			return c
		}
		return doc.GetFileName()
	}
	return ""
}

func detectMessageType(msg *waE2E.Message) string {
	if msg == nil {
		return "unknown"
	}
	switch {
	case msg.GetConversation() != "" || msg.GetExtendedTextMessage() != nil:
		return "text"
	case msg.GetImageMessage() != nil:
		return "image"
	case msg.GetVideoMessage() != nil:
		return "video"
	case msg.GetAudioMessage() != nil:
		return "audio"
	case msg.GetDocumentMessage() != nil:
		return "document"
	case msg.GetStickerMessage() != nil:
		return "sticker"
	case msg.GetContactMessage() != nil:
		return "contact"
	case msg.GetLocationMessage() != nil:
		return "location"
	default:
		return "unknown"
	}
}

// typeFromHint maps the gateway's messageType field ("imageMessage", "conversation") to a type.
func typeFromHint(hint string) string {
	switch hint {
	case "conversation", "extendedTextMessage":
		return "text"
	}
	t := strings.TrimSuffix(hint, "Message")
	switch t {
	case "image", "video", "audio", "document", "sticker", "contact", "location":
		return t
	}
	return "unknown"
}

func unixTime(v int64) time.Time {
	switch {
	case v <= 0:
		return time.Time{}
	case v > 1e12:
		// Milliseconds.
		return time.UnixMilli(v).UTC()
	default:
		return time.Unix(v, 0).UTC()
	}
}

// flexInt accepts a JSON number, a numeric string, or a {low, high} long object.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	if strings.HasPrefix(s, "{") {
		var long struct {
			Low  int64 `json:"low"`
			High int64 `json:"high"`
		}
		if err := json.Unmarshal(b, &long); err != nil {
			return err
		}
		*f = flexInt(long.High<<32 | (long.Low & 0xffffffff))
		return nil
	}
	s = strings.Trim(s, `"`)
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		fl, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return fmt.Errorf("invalid timestamp %q", s)
		}
		n = int64(fl)
	}
	*f = flexInt(n)
	return nil
}
