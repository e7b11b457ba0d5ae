package backend

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"periskope/chatsync/internal/models"
	"periskope/chatsync/internal/syncerr"

	"github.com/google/uuid"
)

// Hooks let callers inject latency or failures into a Memory backend
type Hooks struct {
	BeforeFetchChats    func(ctx context.Context) error
	BeforeFetchMessages func(ctx context.Context) error
	BeforeInsert        func(ctx context.Context) error
	BeforeLookup        func(ctx context.Context, messageID string) error
}

// Memory is an in-process Backend. Notifications are delivered on their own
// goroutine, so listeners observe them asynchronously and unordered.
type Memory struct {
	mu           sync.RWMutex
	users        map[string]models.User
	chats        map[string]models.Chat
	participants map[string][]models.Participant
	tags         map[string][]models.Tag
	messages     map[string]models.Message
	subs         map[string]map[*memorySubscription]struct{}
	hooks        Hooks
	now          func() time.Time
}

// NewMemory creates an empty Memory backend
func NewMemory() *Memory {
	return &Memory{
		users:        make(map[string]models.User),
		chats:        make(map[string]models.Chat),
		participants: make(map[string][]models.Participant),
		tags:         make(map[string][]models.Tag),
		messages:     make(map[string]models.Message),
		subs:         make(map[string]map[*memorySubscription]struct{}),
		now:          time.Now,
	}
}

// SetHooks replaces the injected hooks
func (m *Memory) SetHooks(h Hooks) {
	m.mu.Lock()
	m.hooks = h
	m.mu.Unlock()
}

// SetClock replaces the time source used for inserted rows
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// AddUser stores a user, assigning an id when empty
func (m *Memory) AddUser(u models.User) models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = m.now()
		u.UpdatedAt = u.CreatedAt
	}
	m.users[u.ID] = u
	return u
}

// AddChat stores a chat and its members. The creator, when a member, is admin.
func (m *Memory) AddChat(c models.Chat, memberIDs ...string) models.Chat {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
		c.UpdatedAt = c.CreatedAt
	}
	m.chats[c.ID] = c
	for _, userID := range memberIDs {
		role := models.RoleMember
		if userID == c.CreatedBy {
			role = models.RoleAdmin
		}
		m.participants[c.ID] = append(m.participants[c.ID], models.Participant{
			ChatID:   c.ID,
			UserID:   userID,
			JoinedAt: c.CreatedAt,
			Role:     role,
		})
	}
	return c
}

// AddTag attaches a tag to a chat
func (m *Memory) AddTag(chatID, tag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tags[chatID] {
		if t.Tag == tag {
			return
		}
	}
	m.tags[chatID] = append(m.tags[chatID], models.Tag{ChatID: chatID, Tag: tag, CreatedAt: m.now()})
}

// AddMessage stores a message without publishing a notification
func (m *Memory) AddMessage(msg models.Message) models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storeLocked(msg)
}

// DeleteMessage soft-deletes a message
func (m *Memory) DeleteMessage(messageID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.messages[messageID]; ok {
		msg.IsDeleted = true
		msg.UpdatedAt = m.now()
		m.messages[messageID] = msg
	}
}

// Notify publishes an insert notification for chatID, as the change feed would
func (m *Memory) Notify(chatID, messageID string) {
	m.mu.RLock()
	targets := make([]*memorySubscription, 0, len(m.subs[chatID]))
	for s := range m.subs[chatID] {
		targets = append(targets, s)
	}
	m.mu.RUnlock()

	for _, s := range targets {
		go s.deliver(messageID)
	}
}

// Subscribers returns the number of live subscriptions for chatID
func (m *Memory) Subscribers(chatID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[chatID])
}

func (m *Memory) storeLocked(msg models.Message) models.Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Type == "" {
		msg.Type = models.MessageTypeText
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now()
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}
	m.messages[msg.ID] = msg

	chat, ok := m.chats[msg.ChatID]
	if ok && !msg.IsDeleted && (chat.LastMessageAt == nil || !chat.LastMessageAt.After(msg.CreatedAt)) {
		content := msg.Content
		at := msg.CreatedAt
		by := msg.SenderID
		chat.LastMessage = &content
		chat.LastMessageAt = &at
		chat.LastMessageBy = &by
		chat.UpdatedAt = m.now()
		m.chats[msg.ChatID] = chat
	}
	return msg
}

func (m *Memory) FetchChatsForUser(ctx context.Context, userID string) ([]models.ChatWithRelations, error) {
	if err := m.run(ctx, m.hookFetchChats()); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.ChatWithRelations
	for chatID, members := range m.participants {
		for _, p := range members {
			if p.UserID == userID {
				out = append(out, m.chatLocked(m.chats[chatID]))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastMessageAt, out[j].LastMessageAt
		switch {
		case a == nil && b == nil:
			return out[i].ID < out[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.After(*b)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) FetchChat(ctx context.Context, chatID string) (models.ChatWithRelations, error) {
	if err := ctx.Err(); err != nil {
		return models.ChatWithRelations{}, syncerr.Remote("fetch chat", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	chat, ok := m.chats[chatID]
	if !ok {
		return models.ChatWithRelations{}, syncerr.NotFound("chat", chatID)
	}
	return m.chatLocked(chat), nil
}

func (m *Memory) FetchChatParticipants(ctx context.Context, chatID string) ([]models.ParticipantWithUser, error) {
	if err := ctx.Err(); err != nil {
		return nil, syncerr.Remote("fetch participants", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.participantsLocked(chatID), nil
}

func (m *Memory) chatLocked(c models.Chat) models.ChatWithRelations {
	out := models.ChatWithRelations{Chat: c, Participants: m.participantsLocked(c.ID)}
	for _, t := range m.tags[c.ID] {
		out.Tags = append(out.Tags, t.Tag)
	}
	if c.LastMessageBy != nil {
		if u, ok := m.users[*c.LastMessageBy]; ok {
			name := u.Name
			out.LastMessageByName = &name
		}
	}
	return out.Clone()
}

func (m *Memory) participantsLocked(chatID string) []models.ParticipantWithUser {
	var out []models.ParticipantWithUser
	for _, p := range m.participants[chatID] {
		u, ok := m.users[p.UserID]
		if !ok {
			continue
		}
		out = append(out, models.ParticipantWithUser{Participant: p, User: u.ToSummary()})
	}
	return out
}

func (m *Memory) FetchMessages(ctx context.Context, chatID string, limit int) ([]models.MessageWithSender, error) {
	if chatID == "" {
		return nil, syncerr.Validation("chat id is required")
	}
	if err := m.run(ctx, m.hookFetchMessages()); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.MessageWithSender
	for _, msg := range m.messages {
		if msg.ChatID != chatID || msg.IsDeleted {
			continue
		}
		out = append(out, m.withSenderLocked(msg))
	}
	sort.Slice(out, func(i, j int) bool { return out[j].Message.Before(&out[i].Message) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) InsertMessage(ctx context.Context, chatID, senderID, content string) (models.MessageWithSender, error) {
	if err := m.run(ctx, m.hookInsert()); err != nil {
		return models.MessageWithSender{}, err
	}
	m.mu.Lock()
	if _, ok := m.chats[chatID]; !ok {
		m.mu.Unlock()
		return models.MessageWithSender{}, syncerr.Remote("insert message", syncerr.NotFound("chat", chatID))
	}
	if _, ok := m.users[senderID]; !ok {
		m.mu.Unlock()
		return models.MessageWithSender{}, syncerr.Remote("insert message", syncerr.NotFound("user", senderID))
	}
	if strings.TrimSpace(content) == "" {
		m.mu.Unlock()
		return models.MessageWithSender{}, syncerr.Remote("insert message", syncerr.Validation("content violates not-empty constraint"))
	}
	msg := m.storeLocked(models.Message{ChatID: chatID, SenderID: senderID, Content: content})
	out := m.withSenderLocked(msg)
	m.mu.Unlock()

	m.Notify(chatID, msg.ID)
	return out, nil
}

func (m *Memory) LookupMessage(ctx context.Context, messageID string) (models.MessageWithSender, error) {
	m.mu.RLock()
	hook := m.hooks.BeforeLookup
	m.mu.RUnlock()
	if hook != nil {
		if err := hook(ctx, messageID); err != nil {
			return models.MessageWithSender{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return models.MessageWithSender{}, syncerr.Remote("lookup message", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[messageID]
	if !ok || msg.IsDeleted {
		return models.MessageWithSender{}, syncerr.NotFound("message", messageID)
	}
	return m.withSenderLocked(msg), nil
}

func (m *Memory) FetchUser(ctx context.Context, userID string) (models.User, error) {
	if err := ctx.Err(); err != nil {
		return models.User{}, syncerr.Remote("fetch user", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return models.User{}, syncerr.NotFound("user", userID)
	}
	return u, nil
}

func (m *Memory) SubscribeInserts(ctx context.Context, chatID string, onInsert InsertHandler) (Subscription, error) {
	if chatID == "" {
		return nil, syncerr.Validation("chat id is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, syncerr.Remote("subscribe", err)
	}
	s := &memorySubscription{owner: m, chatID: chatID, fn: onInsert}

	m.mu.Lock()
	if m.subs[chatID] == nil {
		m.subs[chatID] = make(map[*memorySubscription]struct{})
	}
	m.subs[chatID][s] = struct{}{}
	m.mu.Unlock()
	return s, nil
}

func (m *Memory) withSenderLocked(msg models.Message) models.MessageWithSender {
	out := models.MessageWithSender{Message: msg}
	if u, ok := m.users[msg.SenderID]; ok {
		out.Sender = u.ToSummary()
	} else {
		out.Sender.ID = msg.SenderID
	}
	return out
}

func (m *Memory) hookFetchChats() func(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hooks.BeforeFetchChats
}

func (m *Memory) hookFetchMessages() func(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hooks.BeforeFetchMessages
}

func (m *Memory) hookInsert() func(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hooks.BeforeInsert
}

func (m *Memory) run(ctx context.Context, hook func(context.Context) error) error {
	if hook != nil {
		if err := hook(ctx); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return syncerr.Remote("memory backend", err)
	}
	return nil
}

type memorySubscription struct {
	owner  *Memory
	chatID string
	fn     InsertHandler
	mu     sync.Mutex
	closed bool
}

// deliver holds mu while calling fn so no callback runs after Unsubscribe returns
func (s *memorySubscription) deliver(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.fn(messageID)
}

func (s *memorySubscription) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.owner.mu.Lock()
	delete(s.owner.subs[s.chatID], s)
	if len(s.owner.subs[s.chatID]) == 0 {
		delete(s.owner.subs, s.chatID)
	}
	s.owner.mu.Unlock()
}
