package realtime

import "context"

// Transport is one way of receiving real-time events for a device. Connect returns once the
// transport is established or has used up its connect budget; after that the transport keeps
// itself alive until Disconnect, reporting through its Sink. Disconnect is synchronous and
// idempotent: once it returns the transport delivers nothing more.
type Transport interface {
	Kind() Kind
	Connect(ctx context.Context) error
	Disconnect()
	IsActive() bool
}

// ChatFollower is implemented by transports that need to know which chat is open.
type ChatFollower interface {
	SetActiveChat(chatID string)
}

// Factory builds a transport for one device delivering into sink.
type Factory func(deviceID string, sink Sink) Transport
