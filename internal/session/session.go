package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"periskope/chatsync/internal/chatlist"
	"periskope/chatsync/internal/models"
	"periskope/chatsync/internal/syncerr"
	"periskope/chatsync/internal/websocket"

	"go.uber.org/zap"
)

// Session is the sync state of one signed-in user
type Session struct {
	m    *Manager
	user models.User
	list *chatlist.Aggregator
	log  *zap.Logger

	// guarded by m.mu
	lastUsed time.Time

	mu      sync.Mutex
	convs   map[string]*Conversation
	listErr error
	closed  bool
}

func newSession(m *Manager, user models.User) *Session {
	log := m.log.With(zap.String("user_id", user.ID))
	return &Session{
		m:     m,
		user:  user,
		list:  chatlist.NewAggregator(log),
		log:   log,
		convs: make(map[string]*Conversation),
	}
}

// User returns the signed-in user's profile
func (s *Session) User() models.User {
	return s.user
}

// Chats returns the ranked, projected conversation list
func (s *Session) Chats() []chatlist.ChatView {
	return s.list.Views(s.user.ID)
}

// ListErr returns the error of the last failed chat list load, if the list
// has not been loaded successfully since.
func (s *Session) ListErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listErr
}

// Reload fetches the conversation list again and replaces the ranked list.
// On failure the previous list is kept.
func (s *Session) Reload(ctx context.Context) error {
	chats, err := s.m.loader.Chats(ctx, s.user.ID)

	s.mu.Lock()
	s.listErr = err
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.list.Load(chats)
	s.publishList()
	return nil
}

// Open opens chatID, or returns it if it is already open. A conversation
// whose load is still running is waited for.
func (s *Session) Open(ctx context.Context, chatID string) (*Conversation, error) {
	if chatID == "" {
		return nil, syncerr.Validation("chat id is required")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, syncerr.ErrClosed
	}
	conv, ok := s.convs[chatID]
	if !ok {
		conv = newConversation(s, chatID)
		s.convs[chatID] = conv
	}
	s.mu.Unlock()

	if !ok {
		go conv.load()
	}

	select {
	case <-conv.loaded:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := conv.loadErr; err != nil {
		return nil, err
	}
	return conv, nil
}

// Conversation returns an open, loaded conversation
func (s *Session) Conversation(chatID string) (*Conversation, bool) {
	s.mu.Lock()
	conv, ok := s.convs[chatID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-conv.loaded:
		return conv, conv.loadErr == nil
	default:
		return nil, false
	}
}

// CloseConversation closes chatID. Pending loads and sends are cancelled and
// their late results discarded. It reports whether the chat was open.
func (s *Session) CloseConversation(chatID string) bool {
	s.mu.Lock()
	conv, ok := s.convs[chatID]
	delete(s.convs, chatID)
	s.mu.Unlock()
	if ok {
		conv.Close()
	}
	return ok
}

// OpenChats returns the ids of open conversations
func (s *Session) OpenChats() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.convs))
	for id := range s.convs {
		ids = append(ids, id)
	}
	return ids
}

// Close closes every open conversation
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	convs := s.convs
	s.convs = make(map[string]*Conversation)
	s.mu.Unlock()

	for _, conv := range convs {
		conv.Close()
	}
}

// forget drops conv if it is still the registered conversation for its chat
func (s *Session) forget(conv *Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.convs[conv.chatID] == conv {
		delete(s.convs, conv.chatID)
	}
}

// onMessage applies a confirmed message of conv to the conversation list. A
// chat the list has not seen yet is added first.
func (s *Session) onMessage(conv *Conversation, msg models.MessageWithSender) {
	chatID := conv.chatID
	changed, err := s.list.OnMessageEvent(chatID, msg)
	if errors.Is(err, syncerr.ErrNotFound) {
		if chat, ok := conv.details(); ok {
			s.list.Upsert(chat)
			changed, err = s.list.OnMessageEvent(chatID, msg)
		}
	}
	if err != nil {
		s.log.Warn("conversation list rejected message",
			zap.String("chat_id", chatID),
			zap.String("message_id", msg.ID),
			zap.Error(err))
		return
	}
	if changed {
		s.publishList()
	}
}

func (s *Session) publishList() {
	s.publish(websocket.NewMessage(websocket.EventChatListUpdated, websocket.ChatListPayload{Chats: s.Chats()}))
}

func (s *Session) publish(message websocket.WSMessage) {
	s.m.publish(s.user.ID, message)
}
