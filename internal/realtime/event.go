package realtime

import (
	"errors"
	"fmt"

	"github.com/matheus3301/wppsync/internal/wa"
)

// Kind names a transport.
type Kind string

const (
	KindWebSocket Kind = "websocket"
	KindSSE       Kind = "sse"
	KindPolling   Kind = "polling"
	KindNone      Kind = "none"
)

// EventType is the normalized event category delivered to handlers.
type EventType string

const (
	EventMessage EventType = "message"
	EventStatus  EventType = "status"
	EventError   EventType = "error"
)

// Status is the transport connection status carried by status and error events.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

// Event is one normalized real-time event. Exactly one of Message and Connection is set on
// message and device-session events; transport status changes carry Status.
type Event struct {
	Type      EventType
	Transport Kind
	Status    Status
	Message   *wa.Envelope
	// Connection is a remote session change of the device, reported on a status event.
	Connection *wa.ConnectionUpdate
	Err        error
	// Attempt is the reconnect attempt number on reconnecting events.
	Attempt int
	// Terminal marks an error after which the transport gave up.
	Terminal bool
}

// Handler receives events. Handlers run on transport goroutines and must not call Stop.
type Handler func(Event)

// Sink is where a transport delivers its events.
type Sink func(Event)

// Session is a snapshot of the orchestrator's connection state.
type Session struct {
	DeviceID          string
	ActiveTransport   Kind
	Connected         bool
	LastError         string
	ReconnectAttempts int
}

var (
	// ErrReconnectExhausted is reported when a transport used its whole reconnect budget.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrNoTransport is reported when every transport in the chain failed to connect.
	ErrNoTransport = errors.New("no transport could connect")
)

// ProtocolError is an error reported by the server on an already open stream.
type ProtocolError struct {
	Transport Kind
	Message   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s protocol error: %s", e.Transport, e.Message)
}
