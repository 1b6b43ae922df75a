package wa

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// FrameKind classifies a decoded real-time frame.
type FrameKind string

const (
	FrameMessage    FrameKind = "message"
	FrameConnection FrameKind = "connection"
	FrameError      FrameKind = "error"
	FrameIgnored    FrameKind = "ignored"
)

// Gateway connection states reported by connection-update events and state queries.
const (
	StateOpen       = "open"
	StateConnecting = "connecting"
	StateClose      = "close"
)

// ConnectionUpdate reports a change of the remote session of one instance.
type ConnectionUpdate struct {
	Instance     string
	State        string
	StatusReason int
	Owner        string
}

// Frame is one decoded real-time frame, regardless of transport.
type Frame struct {
	Kind       FrameKind
	Event      string
	Messages   []Envelope
	Connection *ConnectionUpdate
	// Error is the protocol-level error text reported by the server on an open stream.
	Error string
}

type rawFrame struct {
	Event    string          `json:"event"`
	Type     string          `json:"type"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
	Message  string          `json:"message"`
}

// DecodeFrame decodes one WebSocket frame ({"event", "instance", "data"}) or SSE payload
// ({"type", "data"}) into a Frame.
func DecodeFrame(b []byte) (Frame, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return Frame{Kind: FrameIgnored}, nil
	}
	var raw rawFrame
	if err := json.Unmarshal(b, &raw); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}

	name := raw.Event
	if name == "" {
		name = raw.Type
	}
	event := NormalizeEventName(name)
	f := Frame{Event: event, Kind: FrameIgnored}

	switch event {
	case "message-upsert":
		msgs, err := decodeMessages(raw.Data, raw.Instance)
		if err != nil {
			return Frame{}, err
		}
		f.Kind = FrameMessage
		f.Messages = msgs
	case "connection-update":
		cu, err := decodeConnection(raw.Data, raw.Instance)
		if err != nil {
			return Frame{}, err
		}
		f.Kind = FrameConnection
		f.Connection = &cu
	case "error", "connect-error":
		f.Kind = FrameError
		f.Error = errorText(raw)
	}
	return f, nil
}

// NormalizeEventName folds the gateway's event naming variants ("MESSAGES_UPSERT",
// "messages.upsert", "message") into one dashed form.
func NormalizeEventName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.NewReplacer(".", "-", "_", "-").Replace(n)
	switch n {
	case "messages-upsert", "message", "message-received", "new-message":
		return "message-upsert"
	case "connection", "connection-status", "status":
		return "connection-update"
	}
	return n
}

func decodeMessages(data json.RawMessage, instance string) ([]Envelope, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("message frame without data")
	}

	var items []json.RawMessage
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("decode message list: %w", err)
		}
	case '{':
		// Some gateway versions wrap the list: {"messages": [...]}.
		var wrapped struct {
			Messages []json.RawMessage `json:"messages"`
		}
		if err := json.Unmarshal(data, &wrapped); err == nil && len(wrapped.Messages) > 0 {
			items = wrapped.Messages
		} else {
			items = []json.RawMessage{data}
		}
	default:
		return nil, fmt.Errorf("unexpected message data %q", truncate(string(data), 40))
	}

	out := make([]Envelope, 0, len(items))
	for _, item := range items {
		env, err := ParseMessageRecord(item)
		if err != nil {
			return nil, err
		}
		if env.Instance == "" {
			env.Instance = instance
		}
		out = append(out, env)
	}
	return out, nil
}

func decodeConnection(data json.RawMessage, instance string) (ConnectionUpdate, error) {
	var body struct {
		Instance     string  `json:"instance"`
		State        string  `json:"state"`
		Status       string  `json:"status"`
		StatusReason flexInt `json:"statusReason"`
		Wuid         string  `json:"wuid"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return ConnectionUpdate{}, fmt.Errorf("decode connection update: %w", err)
	}
	cu := ConnectionUpdate{
		Instance:     body.Instance,
		State:        strings.ToLower(body.State),
		StatusReason: int(body.StatusReason),
		Owner:        body.Wuid,
	}
	if cu.State == "" {
		cu.State = strings.ToLower(body.Status)
	}
	if cu.Instance == "" {
		cu.Instance = instance
	}
	if cu.State == "" {
		return ConnectionUpdate{}, fmt.Errorf("connection update without state")
	}
	return cu, nil
}

func errorText(raw rawFrame) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if len(raw.Data) > 0 && raw.Data[0] == '"' {
		var s string
		if json.Unmarshal(raw.Data, &s) == nil {
			return s
		}
	}
	if json.Unmarshal(raw.Data, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	if raw.Message != "" {
		return raw.Message
	}
	return "unspecified server error"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
