package models

import (
	"strings"
	"time"

	"periskope/chatsync/internal/syncerr"
)

// MessageType is the kind of content a message carries
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeVideo MessageType = "video"
	MessageTypeFile  MessageType = "file"
)

// Valid reports whether t is a known message type
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo, MessageTypeFile:
		return true
	}
	return false
}

// Message represents a chat message
type Message struct {
	ID        string      `json:"id" db:"id"`
	ChatID    string      `json:"chatId" db:"chat_id"`
	SenderID  string      `json:"senderId" db:"sender_id"`
	Content   string      `json:"content" db:"content"`
	Type      MessageType `json:"type" db:"message_type"`
	CreatedAt time.Time   `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time   `json:"updatedAt" db:"updated_at"`
	IsDeleted bool        `json:"isDeleted" db:"is_deleted"`
}

// MessageWithSender includes sender information
type MessageWithSender struct {
	Message
	Sender UserSummary `json:"sender"`
}

// Validate rejects messages that cannot be placed in a timeline
func (m *Message) Validate() error {
	if strings.TrimSpace(m.ChatID) == "" {
		return syncerr.Validation("message %q has no chat id", m.ID)
	}
	if strings.TrimSpace(m.SenderID) == "" {
		return syncerr.Validation("message %q has no sender id", m.ID)
	}
	return nil
}

// Before reports whether m sorts before o by (created_at, id)
func (m *Message) Before(o *Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}
