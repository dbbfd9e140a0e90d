package models

import "github.com/samber/lo"

type EventType string

const (
	EventMessage   EventType = "message"
	EventDelivered EventType = "delivered"
	EventRead      EventType = "read"
	EventError     EventType = "error"
)

// TimestampLayout is the wall-clock format used on the wire ("HH:MM").
const TimestampLayout = "15:04"

// Error codes carried by EventError.
const (
	CodeUnknownPeer = "unknown_peer"
	CodeSendFailed  = "send_failed"
)

// Inbound is the only payload a client may send.
type Inbound struct {
	Message string `json:"message"`
}

// Event is a server to client frame. Only the fields relevant to Type are
// set; IsDelivered is a pointer so a false value is still emitted on
// message events.
type Event struct {
	Type        EventType `json:"type"`
	Message     string    `json:"message,omitempty"`
	SenderID    int       `json:"sender_id,omitempty"`
	MessageID   int       `json:"message_id,omitempty"`
	Timestamp   string    `json:"timestamp,omitempty"`
	IsDelivered *bool     `json:"is_delivered,omitempty"`
	Code        string    `json:"code,omitempty"`
	Error       string    `json:"error,omitempty"`
}

func NewMessageEvent(m *Message) Event {
	return Event{
		Type:        EventMessage,
		Message:     m.Body,
		SenderID:    m.SenderID,
		MessageID:   m.ID,
		Timestamp:   m.CreatedAt.Format(TimestampLayout),
		IsDelivered: lo.ToPtr(m.IsDelivered),
	}
}

func NewDeliveredEvent(messageID int) Event {
	return Event{Type: EventDelivered, MessageID: messageID}
}

func NewReadEvent(messageID int) Event {
	return Event{Type: EventRead, MessageID: messageID}
}

func NewErrorEvent(code string, err error) Event {
	return Event{Type: EventError, Code: code, Error: err.Error()}
}
