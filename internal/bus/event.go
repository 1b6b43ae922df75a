package bus

import "time"

// Event kinds published by the daemon. Subscribers filter by prefix ("rt.", "device.", ...).
const (
	RealtimeMessage = "rt.message"
	RealtimeStatus  = "rt.status"
	RealtimeError   = "rt.error"

	DeviceStatusChanged = "device.status_changed"
	DeviceRemoved       = "device.removed"
	DeviceSelected      = "device.selected"

	ChatListChanged   = "chat.list_changed"
	ChatDiscovered    = "chat.discovered"
	TimelineChanged   = "timeline.changed"
	MessageSendFailed = "timeline.send_failed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
