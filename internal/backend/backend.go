// Package backend defines the contract of the managed data plane the sync core
// talks to, with a Postgres implementation and an in-memory one.
package backend

import (
	"context"

	"periskope/chatsync/internal/models"
)

// Subscription is the cancellation handle of a change-feed listener.
// Unsubscribe is safe to call more than once.
type Subscription interface {
	Unsubscribe()
}

// InsertHandler receives the id of a newly inserted message. The id is empty
// when the notification payload was malformed.
type InsertHandler func(messageID string)

// Backend is the remote collaborator of the sync core
type Backend interface {
	// FetchChatsForUser returns the user's chats ordered by last_message_at
	// descending, chats without messages last.
	FetchChatsForUser(ctx context.Context, userID string) ([]models.ChatWithRelations, error)
	FetchChat(ctx context.Context, chatID string) (models.ChatWithRelations, error)
	FetchChatParticipants(ctx context.Context, chatID string) ([]models.ParticipantWithUser, error)
	// FetchMessages returns at most limit non-deleted messages, newest first.
	FetchMessages(ctx context.Context, chatID string, limit int) ([]models.MessageWithSender, error)
	InsertMessage(ctx context.Context, chatID, senderID, content string) (models.MessageWithSender, error)
	// SubscribeInserts delivers at least once, in no particular order.
	SubscribeInserts(ctx context.Context, chatID string, onInsert InsertHandler) (Subscription, error)
	LookupMessage(ctx context.Context, messageID string) (models.MessageWithSender, error)
	FetchUser(ctx context.Context, userID string) (models.User, error)
}
