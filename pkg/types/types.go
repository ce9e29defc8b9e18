package types

import (
	"time"
)

// Message kinds stored with every chat message.
const (
	KindNormal = "normal"
	KindTyping = "typing"
	KindSystem = "system"
	KindAlert  = "alert"
)

// Frame types carried in the "type" field of every WebSocket text frame.
// Clients may send message, typing and ping; the gateway sends the rest.
const (
	FrameMessage = "message"
	FrameTyping  = "typing"
	FramePing    = "ping"
	FramePong    = "pong"
	FrameError   = "error"
	FrameAlert   = "alert"
	FrameSystem  = "system"
)

// Error codes returned in error frames and HTTP error bodies.
const (
	CodeUnauthorized      = "unauthorized"
	CodeForbidden         = "forbidden"
	CodeInvalidFrame      = "invalid_frame"
	CodeMessageTooLong    = "message_too_long"
	CodeRateLimited       = "rate_limited"
	CodePersistenceFailed = "persistence_failed"
	CodeInternal          = "internal"
)

// PriorityHigh marks alert frames so clients can surface them above chat.
const PriorityHigh = "high"

// Location is an optional geolocation attached to safety alerts.
type Location struct {
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
}

// Group is a chat room scoped to an event.
type Group struct {
	ID        string    `json:"id" db:"id"`
	EventID   string    `json:"event_id" db:"event_id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ChatMessage is immutable once created. Typing messages are never persisted.
type ChatMessage struct {
	ID       string    `json:"id" db:"id"`
	GroupID  string    `json:"group_id" db:"group_id"`
	SenderID string    `json:"sender" db:"sender_id"`
	Body     string    `json:"body" db:"body"`
	SentAt   time.Time `json:"sent_at" db:"sent_at"`
	Kind     string    `json:"kind" db:"kind"`
	AlertID  string    `json:"alert_id,omitempty" db:"alert_id"`
	Location *Location `json:"location,omitempty" db:"-"`
}

// Persistent reports whether messages of this kind go to the message store.
func (m *ChatMessage) Persistent() bool {
	return m.Kind != KindTyping
}

// InboundFrame is what clients send over the socket.
type InboundFrame struct {
	Type string `json:"type" validate:"required,oneof=message typing ping"`
	Body string `json:"body,omitempty"`
}

// OutboundFrame is the single envelope for everything the gateway writes to
// a socket. Unused fields are omitted from the JSON.
type OutboundFrame struct {
	Type     string     `json:"type"`
	ID       string     `json:"id,omitempty"`
	GroupID  string     `json:"group_id,omitempty"`
	Sender   string     `json:"sender,omitempty"`
	Body     string     `json:"body,omitempty"`
	SentAt   *time.Time `json:"sent_at,omitempty"`
	Location *Location  `json:"location,omitempty"`
	AlertID  string     `json:"alert_id,omitempty"`
	Priority string     `json:"priority,omitempty"`
	Code     string     `json:"code,omitempty"`
	Detail   string     `json:"detail,omitempty"`
	Event    string     `json:"event,omitempty"`
	Replay   bool       `json:"replay,omitempty"`
}

// MessageFrame renders a stored message as a message or alert frame
// depending on its kind.
func MessageFrame(m *ChatMessage) OutboundFrame {
	if m.Kind == KindTyping {
		return TypingFrame(m.GroupID, m.SenderID)
	}
	sentAt := m.SentAt
	frame := OutboundFrame{
		Type:    FrameMessage,
		ID:      m.ID,
		GroupID: m.GroupID,
		Sender:  m.SenderID,
		Body:    m.Body,
		SentAt:  &sentAt,
	}
	switch m.Kind {
	case KindAlert:
		frame.Type = FrameAlert
		frame.AlertID = m.AlertID
		frame.Location = m.Location
		frame.Priority = PriorityHigh
	case KindSystem:
		frame.Type = FrameSystem
	}
	return frame
}

// TypingFrame announces that sender is typing in a group.
func TypingFrame(groupID, sender string) OutboundFrame {
	return OutboundFrame{Type: FrameTyping, GroupID: groupID, Sender: sender}
}

// ErrorFrame is sent to a single connection only.
func ErrorFrame(code, detail string) OutboundFrame {
	return OutboundFrame{Type: FrameError, Code: code, Detail: detail}
}

// SystemFrame carries gateway events such as history_complete.
func SystemFrame(event, detail string) OutboundFrame {
	return OutboundFrame{Type: FrameSystem, Event: event, Detail: detail}
}

// PongFrame answers a client ping frame.
func PongFrame() OutboundFrame {
	return OutboundFrame{Type: FramePong}
}

// AlertRequest is the body of the internal broadcast call made by the
// safety service.
type AlertRequest struct {
	EventID   string   `json:"event_id" validate:"required,max=64"`
	UserID    string   `json:"user_id" validate:"required,max=64"`
	AlertID   string   `json:"alert_id" validate:"required,max=64"`
	Message   string   `json:"message" validate:"required"`
	Latitude  *float64 `json:"latitude,omitempty" validate:"omitempty,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude,omitempty" validate:"omitempty,gte=-180,lte=180"`
}

// Location returns the request geolocation, or nil when none was given.
func (r *AlertRequest) Location() *Location {
	if r.Latitude == nil || r.Longitude == nil {
		return nil
	}
	return &Location{Latitude: *r.Latitude, Longitude: *r.Longitude}
}

// GroupAlertResult reports the outcome of one group in an alert broadcast.
type GroupAlertResult struct {
	GroupID   string `json:"group_id"`
	MessageID string `json:"message_id,omitempty"`
	Persisted bool   `json:"persisted"`
	Delivered int    `json:"delivered"`
	Failed    int    `json:"failed"`
	Error     string `json:"error,omitempty"`
}

// Succeeded reports whether the group was persisted and dispatched.
func (r GroupAlertResult) Succeeded() bool {
	return r.Persisted && r.Error == ""
}

// AlertResponse is returned by the internal broadcast endpoint.
type AlertResponse struct {
	Success bool               `json:"success"`
	EventID string             `json:"event_id"`
	Groups  []GroupAlertResult `json:"groups"`
}
