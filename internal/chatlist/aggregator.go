package chatlist

import (
	"sort"
	"sync"

	"periskope/chatsync/internal/logging"
	"periskope/chatsync/internal/models"
	"periskope/chatsync/internal/syncerr"

	"go.uber.org/zap"
)

// Aggregator owns the ranked conversation list of one signed-in user.
// Rank key: last_message_at descending, chats without messages last, ties by id.
type Aggregator struct {
	log *zap.Logger

	mu    sync.RWMutex
	chats []models.ChatWithRelations
}

// NewAggregator creates an empty list
func NewAggregator(log *zap.Logger) *Aggregator {
	return &Aggregator{log: logging.OrNop(log)}
}

// Load replaces the list. When a chat id repeats, the higher ranked copy wins.
func (a *Aggregator) Load(chats []models.ChatWithRelations) {
	ranked := make([]models.ChatWithRelations, 0, len(chats))
	for _, c := range chats {
		ranked = append(ranked, c.Clone())
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranksBefore(&ranked[i], &ranked[j]) })

	seen := make(map[string]struct{}, len(ranked))
	deduped := ranked[:0]
	for _, c := range ranked {
		if _, ok := seen[c.ID]; ok {
			a.log.Warn("duplicate chat in list", zap.String("chat_id", c.ID))
			continue
		}
		seen[c.ID] = struct{}{}
		deduped = append(deduped, c)
	}

	a.mu.Lock()
	a.chats = deduped
	a.mu.Unlock()
}

// OnMessageEvent records msg as the chat's latest message and moves the chat
// to its new rank. A message older than the chat's current last message is
// ignored. It reports whether the list changed.
func (a *Aggregator) OnMessageEvent(chatID string, msg models.MessageWithSender) (bool, error) {
	if msg.ChatID != "" && msg.ChatID != chatID {
		return false, syncerr.Validation("message %q belongs to chat %q, not %q", msg.ID, msg.ChatID, chatID)
	}
	if msg.IsDeleted {
		return false, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	i := a.indexLocked(chatID)
	if i < 0 {
		return false, syncerr.NotFound("chat", chatID)
	}
	chat := a.chats[i]
	if chat.LastMessageAt != nil && msg.CreatedAt.Before(*chat.LastMessageAt) {
		return false, nil
	}

	content := msg.Content
	at := msg.CreatedAt
	by := msg.SenderID
	chat.LastMessage = &content
	chat.LastMessageAt = &at
	chat.LastMessageBy = &by
	if msg.Sender.Name != "" {
		name := msg.Sender.Name
		chat.LastMessageByName = &name
	} else {
		chat.LastMessageByName = nil
	}

	a.chats = append(a.chats[:i], a.chats[i+1:]...)
	a.insertLocked(chat)
	return true, nil
}

// Upsert inserts or replaces a chat at its rank
func (a *Aggregator) Upsert(chat models.ChatWithRelations) {
	chat = chat.Clone()

	a.mu.Lock()
	defer a.mu.Unlock()

	if i := a.indexLocked(chat.ID); i >= 0 {
		a.chats = append(a.chats[:i], a.chats[i+1:]...)
	}
	a.insertLocked(chat)
}

// Get returns a copy of one chat
func (a *Aggregator) Get(chatID string) (models.ChatWithRelations, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	i := a.indexLocked(chatID)
	if i < 0 {
		return models.ChatWithRelations{}, false
	}
	return a.chats[i].Clone(), true
}

// Snapshot returns a ranked copy of the list
func (a *Aggregator) Snapshot() []models.ChatWithRelations {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]models.ChatWithRelations, len(a.chats))
	for i, c := range a.chats {
		out[i] = c.Clone()
	}
	return out
}

// Views projects the ranked list for currentUserID
func (a *Aggregator) Views(currentUserID string) []ChatView {
	snapshot := a.Snapshot()
	out := make([]ChatView, len(snapshot))
	for i := range snapshot {
		out[i] = Project(&snapshot[i], currentUserID)
	}
	return out
}

// Len returns the number of chats
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.chats)
}

func (a *Aggregator) insertLocked(chat models.ChatWithRelations) {
	i := sort.Search(len(a.chats), func(i int) bool { return ranksBefore(&chat, &a.chats[i]) })
	a.chats = append(a.chats, models.ChatWithRelations{})
	copy(a.chats[i+1:], a.chats[i:])
	a.chats[i] = chat
}

func (a *Aggregator) indexLocked(chatID string) int {
	for i := range a.chats {
		if a.chats[i].ID == chatID {
			return i
		}
	}
	return -1
}

func ranksBefore(a, b *models.ChatWithRelations) bool {
	switch {
	case a.LastMessageAt == nil && b.LastMessageAt == nil:
		return a.ID < b.ID
	case a.LastMessageAt == nil:
		return false
	case b.LastMessageAt == nil:
		return true
	case !a.LastMessageAt.Equal(*b.LastMessageAt):
		return a.LastMessageAt.After(*b.LastMessageAt)
	}
	return a.ID < b.ID
}
