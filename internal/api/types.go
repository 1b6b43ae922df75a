package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/wppsync/internal/device"
	"github.com/matheus3301/wppsync/internal/realtime"
	"github.com/matheus3301/wppsync/internal/store"
	"github.com/matheus3301/wppsync/internal/timeline"
	"github.com/matheus3301/wppsync/internal/wa"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Status is the GetStatus response.
type Status struct {
	Profile  string        `json:"profile"`
	UptimeMs int64         `json:"uptime_ms"`
	Device   *store.Device `json:"device,omitempty"`
	Session  Session       `json:"session"`
	OpenChat string        `json:"open_chat,omitempty"`
	Chats    int           `json:"chats"`
}

// Session is the realtime connection state as reported to clients.
type Session struct {
	DeviceID          string `json:"device_id,omitempty"`
	ActiveTransport   string `json:"active_transport"`
	Connected         bool   `json:"connected"`
	LastError         string `json:"last_error,omitempty"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
}

func sessionView(s realtime.Session) Session {
	return Session{
		DeviceID:          s.DeviceID,
		ActiveTransport:   string(s.ActiveTransport),
		Connected:         s.Connected,
		LastError:         s.LastError,
		ReconnectAttempts: s.ReconnectAttempts,
	}
}

type ChatList struct {
	Chats []store.Chat `json:"chats"`
}

type MessageList struct {
	ChatID       string          `json:"chat_id"`
	Messages     []store.Message `json:"messages"`
	Materialized bool            `json:"materialized"`
}

type DeviceList struct {
	Devices []store.Device `json:"devices"`
	Current string         `json:"current,omitempty"`
}

type SendTextRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// WatchEvent is one streamed bus event.
type WatchEvent struct {
	ID         string    `json:"id"`
	Profile    string    `json:"profile"`
	Kind       string    `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload,omitempty"`
}

// encode converts v to a Struct through its JSON form.
func encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return out, nil
}

// decode is the inverse of encode.
func decode(s *structpb.Struct, v any) error {
	if s == nil {
		return errors.New("empty payload")
	}
	b, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// eventPayload gives bus payloads a stable JSON shape. Errors become strings.
func eventPayload(p any) any {
	switch v := p.(type) {
	case nil:
		return nil
	case wa.Envelope:
		return map[string]any{
			"instance":   v.Instance,
			"chat_id":    v.ChatID,
			"message_id": v.MessageID,
			"from_me":    v.FromMe,
			"push_name":  v.PushName,
			"body":       v.Body,
			"type":       v.Type,
			"sent_at":    v.SentAt,
		}
	case realtime.Event:
		out := map[string]any{
			"type":      string(v.Type),
			"transport": string(v.Transport),
			"status":    string(v.Status),
			"attempt":   v.Attempt,
			"terminal":  v.Terminal,
		}
		if v.Err != nil {
			out["error"] = v.Err.Error()
		}
		if v.Connection != nil {
			out["connection"] = map[string]any{
				"instance": v.Connection.Instance,
				"state":    v.Connection.State,
				"reason":   v.Connection.StatusReason,
			}
		}
		return out
	case device.StatusChange:
		return map[string]any{
			"device_id": v.DeviceID,
			"from":      v.From,
			"to":        v.To,
			"device":    v.Device,
		}
	case timeline.Changed:
		return map[string]any{"chat_id": v.ChatID}
	case timeline.SendFailed:
		out := map[string]any{"chat_id": v.ChatID, "message_id": v.MessageID}
		if v.Err != nil {
			out["error"] = v.Err.Error()
		}
		return out
	case string:
		return map[string]any{"id": v}
	default:
		return v
	}
}
