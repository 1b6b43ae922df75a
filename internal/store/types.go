package store

import "time"

// DeviceStatus is the connection lifecycle state of a messaging device.
type DeviceStatus string

const (
	DeviceDisconnected DeviceStatus = "disconnected"
	DeviceConnecting   DeviceStatus = "connecting"
	DeviceQRNeeded     DeviceStatus = "qr_needed"
	DeviceConnected    DeviceStatus = "connected"
)

// Device is a paired (or pairable) messaging endpoint. ID doubles as the gateway instance name.
type Device struct {
	ID             string       `json:"id"`
	Status         DeviceStatus `json:"status"`
	PairingCode    string       `json:"pairing_code,omitempty"`
	PhoneNumber    string       `json:"phone_number,omitempty"`
	LastActivityAt time.Time    `json:"last_activity_at"`
}

// Origin tells where a chat record came from.
type Origin string

const (
	OriginAuthoritative Origin = "authoritative"
	OriginDiscovered    Origin = "locally-discovered"
)

// Chat is one conversation in the inbox, keyed by the counterparty address.
type Chat struct {
	ID              string    `json:"id"`
	DisplayName     string    `json:"display_name"`
	Address         string    `json:"address"`
	IsGroup         bool      `json:"is_group"`
	AvatarURL       string    `json:"avatar_url,omitempty"`
	LastMessageText string    `json:"last_message_text"`
	LastMessageAt   time.Time `json:"last_message_at"`
	UnreadCount     int       `json:"unread_count"`
	Origin          Origin    `json:"origin"`
}

// Direction of a message relative to the paired device.
type Direction string

const (
	DirectionOutbound Direction = "outbound-self"
	DirectionInbound  Direction = "inbound"
)

// MessageKind distinguishes plain text from anything carrying media.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindMedia MessageKind = "media"
)

// Message is one entry of a chat timeline.
type Message struct {
	ID        string      `json:"id"`
	ChatID    string      `json:"chat_id"`
	Direction Direction   `json:"direction"`
	Body      string      `json:"body"`
	SentAt    time.Time   `json:"sent_at"`
	Kind      MessageKind `json:"kind"`
	PushName  string      `json:"push_name,omitempty"`
	// Pending marks an optimistic local send not yet replaced by a server fetch.
	Pending bool `json:"pending,omitempty"`
}
