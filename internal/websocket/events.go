package websocket

import (
	"time"

	"periskope/chatsync/internal/chatlist"
	"periskope/chatsync/internal/timeline"
)

// EventType represents different WebSocket event types
type EventType string

const (
	// Timeline events
	EventTimelineUpdated  EventType = "timeline_updated"
	EventMessagePending   EventType = "message_pending"
	EventMessageConfirmed EventType = "message_confirmed"
	EventMessageFailed    EventType = "message_failed"

	// Conversation list events
	EventChatListUpdated EventType = "chat_list_updated"

	// Commands sent by clients
	EventOpenChat    EventType = "open_chat"
	EventCloseChat   EventType = "close_chat"
	EventSendMessage EventType = "send_message"

	// Error events
	EventError EventType = "error"
)

// WSMessage represents a WebSocket message structure
type WSMessage struct {
	Type      EventType `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage stamps an outgoing event
func NewMessage(t EventType, payload any) WSMessage {
	return WSMessage{Type: t, Payload: payload, Timestamp: time.Now()}
}

// TimelinePayload carries the full ordered timeline of a conversation
type TimelinePayload struct {
	ChatID  string           `json:"chatId"`
	Entries []timeline.Entry `json:"entries"`
}

// MessagePayload represents a single timeline entry change
type MessagePayload struct {
	ChatID    string         `json:"chatId"`
	PendingID string         `json:"pendingId,omitempty"`
	Entry     timeline.Entry `json:"entry"`
	Error     string         `json:"error,omitempty"`
}

// ChatListPayload carries the ranked, projected conversation list
type ChatListPayload struct {
	Chats []chatlist.ChatView `json:"chats"`
}

// ErrorPayload represents error event payload
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	ChatID  string `json:"chatId,omitempty"`
}

// IncomingMessage represents messages received from clients
type IncomingMessage struct {
	Type    EventType      `json:"type"`
	Payload map[string]any `json:"payload"`
}

// String returns the named payload field, or "" when absent
func (m IncomingMessage) String(key string) string {
	v, _ := m.Payload[key].(string)
	return v
}
