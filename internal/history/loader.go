package history

import (
	"context"
	"fmt"
	"sort"

	"periskope/chatsync/internal/logging"
	"periskope/chatsync/internal/models"
	"periskope/chatsync/internal/syncerr"

	"go.uber.org/zap"
)

const DefaultLimit = 100

// Source is the part of the backend the loader reads from
type Source interface {
	FetchChatsForUser(ctx context.Context, userID string) ([]models.ChatWithRelations, error)
	FetchMessages(ctx context.Context, chatID string, limit int) ([]models.MessageWithSender, error)
}

// Loader bulk-fetches bounded windows of chats and messages
type Loader struct {
	src   Source
	limit int
	log   *zap.Logger
}

// NewLoader creates a loader fetching at most limit messages per chat
func NewLoader(src Source, limit int, log *zap.Logger) *Loader {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Loader{src: src, limit: limit, log: logging.OrNop(log)}
}

// Messages returns the latest window of chatID's messages, oldest first.
// Deleted and malformed rows are dropped. A result that arrives after ctx is
// done is discarded and ctx's error returned instead.
func (l *Loader) Messages(ctx context.Context, chatID string) ([]models.MessageWithSender, error) {
	if chatID == "" {
		return nil, syncerr.Validation("chat id is required")
	}
	rows, err := l.src.FetchMessages(ctx, chatID, l.limit)
	if cerr := ctx.Err(); cerr != nil {
		return nil, fmt.Errorf("load messages for %s: %w", chatID, cerr)
	}
	if err != nil {
		return nil, fmt.Errorf("load messages for %s: %w", chatID, err)
	}

	out := make([]models.MessageWithSender, 0, len(rows))
	for _, m := range rows {
		if m.IsDeleted || m.ChatID != chatID {
			continue
		}
		if err := m.Validate(); err != nil {
			l.log.Warn("dropped malformed history row", zap.String("chat_id", chatID), zap.String("message_id", m.ID), zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Message.Before(&out[j].Message) })
	return out, nil
}

// Chats returns the user's chats with relations, stale-ctx results discarded
func (l *Loader) Chats(ctx context.Context, userID string) ([]models.ChatWithRelations, error) {
	if userID == "" {
		return nil, syncerr.Validation("user id is required")
	}
	chats, err := l.src.FetchChatsForUser(ctx, userID)
	if cerr := ctx.Err(); cerr != nil {
		return nil, fmt.Errorf("load chats for %s: %w", userID, cerr)
	}
	if err != nil {
		return nil, fmt.Errorf("load chats for %s: %w", userID, err)
	}
	for i := range chats {
		if chats[i].Tags == nil {
			chats[i].Tags = []string{}
		}
	}
	return chats, nil
}
