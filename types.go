package feedomac

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error reported by the chat backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// DeliveryStatus is the lifecycle of a message from local submit to read receipt.
// Transitions only move forward: sending → sent → delivered → seen. Failed is a
// terminal marker for a local message that never reached the server.
type DeliveryStatus uint8

const (
	StatusSending DeliveryStatus = iota + 1
	StatusSent
	StatusDelivered
	StatusSeen
	StatusFailed
)

var statusNames = map[DeliveryStatus]string{
	StatusSending:   "sending",
	StatusSent:      "sent",
	StatusDelivered: "delivered",
	StatusSeen:      "seen",
	StatusFailed:    "failed",
}

func (s DeliveryStatus) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", s)
}

// ParseDeliveryStatus maps a wire status string to a DeliveryStatus.
func ParseDeliveryStatus(s string) (DeliveryStatus, bool) {
	for k, v := range statusNames {
		if v == s {
			return k, true
		}
	}
	return 0, false
}

func (s DeliveryStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *DeliveryStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	v, ok := ParseDeliveryStatus(name)
	if !ok {
		return fmt.Errorf("unknown delivery status %q", name)
	}
	*s = v
	return nil
}

// Message is one entry in a conversation timeline.
//
// ID is the server-assigned id rendered as a decimal string, or a client
// generated "temp-" id while the message is provisional. A temp id is never
// reused: once the server acknowledges the send, the record is updated in
// place with the server id.
type Message struct {
	ID             string         `json:"id"`
	ConversationID int64          `json:"conversation_id"`
	SenderID       int64          `json:"sender_id"`
	Text           string         `json:"text,omitempty"`
	MediaURL       string         `json:"media_url,omitempty"`
	Timestamp      time.Time      `json:"created_at"`
	Status         DeliveryStatus `json:"status"`
	Provisional    bool           `json:"provisional,omitempty"`
}

// User is a conversation participant.
type User struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Online bool   `json:"online,omitempty"`
}

// Conversation is the full server-side record for one conversation.
type Conversation struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Avatar      string `json:"avatar,omitempty"`
	Users       []User `json:"users,omitempty"`
	LastMessage string `json:"last_message,omitempty"`
	Time        string `json:"time,omitempty"`
	Unread      int    `json:"unread,omitempty"`
}

// ConversationSummary is one row of the conversation list.
type ConversationSummary struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Avatar       string    `json:"avatar,omitempty"`
	LastMessage  string    `json:"last_message,omitempty"`
	LastActivity time.Time `json:"last_activity"`
	Unread       int       `json:"unread"`
	Online       bool      `json:"online"`
}

// SummaryPatch carries partial fields for ConversationList.Upsert. Nil fields
// leave the existing value untouched.
type SummaryPatch struct {
	ID           int64
	Name         *string
	Avatar       *string
	LastMessage  *string
	LastActivity *time.Time
	Online       *bool
}

// ============================================================================
// Wire protocol — JSON frames over the persistent socket
// ============================================================================

// EventKind tags one frame kind. Every frame is a flat self-describing JSON
// object whose "type" field carries the kind; the rest of the object is the
// payload.
type EventKind string

// Lifecycle events emitted by the transport itself.
const (
	EventOpened EventKind = "open"
	EventClosed EventKind = "close"
	EventError  EventKind = "error"
)

// Inbound application event kinds.
const (
	EventNewMessage    EventKind = "new_message"
	EventTyping        EventKind = "typing"
	EventUserOnline    EventKind = "user_online"
	EventUserOffline   EventKind = "user_offline"
	EventDelivered     EventKind = "delivered"
	EventSeen          EventKind = "seen"
	EventMessageStatus EventKind = "message_status"
)

// envelope pulls the kind out of an inbound frame.
type envelope struct {
	Type EventKind `json:"type"`
}

// NewMessageEvent is the payload of an inbound "new_message" frame. TempID is
// echoed back by the server when the sender supplied one, which is how an own
// message is correlated to its provisional record.
type NewMessageEvent struct {
	ConversationID int64  `json:"conversation_id"`
	MessageID      int64  `json:"message_id"`
	SenderID       int64  `json:"sender_id"`
	Text           string `json:"text,omitempty"`
	MediaURL       string `json:"media_url,omitempty"`
	TempID         string `json:"temp_id,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// TypingEvent is the payload of an inbound "typing" frame.
type TypingEvent struct {
	ConversationID int64 `json:"conversation_id"`
	FromUserID     int64 `json:"from_user_id"`
}

// PresenceEvent is the payload of "user_online" / "user_offline" frames.
type PresenceEvent struct {
	UserID int64 `json:"user_id"`
}

// StatusEvent is the payload of "delivered" / "seen" / "message_status" frames.
type StatusEvent struct {
	MessageID int64  `json:"message_id"`
	Status    string `json:"status,omitempty"`
}

// ErrorEvent is the payload of the transport "error" lifecycle event,
// synthesized by the client on dial and read failures.
type ErrorEvent struct {
	Type    EventKind `json:"type"`
	Message string    `json:"message"`
}

// Outbound frames.

type authFrame struct {
	Type  EventKind `json:"type"`
	Token string    `json:"token"`
}

type initConversationFrame struct {
	Type    EventKind `json:"type"`
	UserIDs []int64   `json:"user_ids"`
}

type sendMessageFrame struct {
	Type           EventKind `json:"type"`
	ConversationID int64     `json:"conversation_id"`
	ToUserIDs      []int64   `json:"to_user_ids"`
	MsgType        string    `json:"msg_type"`
	Text           string    `json:"text,omitempty"`
	MediaURL       string    `json:"media_url,omitempty"`
	TempID         string    `json:"temp_id"`
}

type typingFrame struct {
	Type           EventKind `json:"type"`
	ConversationID int64     `json:"conversation_id"`
	To             int64     `json:"to"`
}

type markFrame struct {
	Type           EventKind `json:"type"`
	MessageID      int64     `json:"message_id"`
	ConversationID int64     `json:"conversation_id"`
}

// parseWireTime accepts the timestamp formats the backend has been seen to
// emit for created_at.
func parseWireTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
