package session

import (
	"context"
	"sync"

	"periskope/chatsync/internal/chatlist"
	"periskope/chatsync/internal/models"
	"periskope/chatsync/internal/realtime"
	"periskope/chatsync/internal/sender"
	"periskope/chatsync/internal/syncerr"
	"periskope/chatsync/internal/timeline"
	"periskope/chatsync/internal/websocket"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Conversation is one open chat: its timeline, live feed and send path
type Conversation struct {
	s      *Session
	chatID string
	log    *zap.Logger
	merger *timeline.Merger
	coord  *sender.Coordinator

	ctx       context.Context
	cancel    context.CancelFunc
	loaded    chan struct{}
	loadErr   error
	closeOnce sync.Once

	// mu guards the live buffer and the router handle
	mu       sync.Mutex
	router   *realtime.Router
	ready    bool
	buffered []models.MessageWithSender

	detailMu     sync.RWMutex
	chat         models.ChatWithRelations
	participants []models.ParticipantWithUser
	hasDetails   bool
}

func newConversation(s *Session, chatID string) *Conversation {
	ctx, cancel := context.WithCancel(s.m.ctx)
	log := s.log.With(zap.String("chat_id", chatID))
	c := &Conversation{
		s:      s,
		chatID: chatID,
		log:    log,
		merger: timeline.New(chatID, log),
		ctx:    ctx,
		cancel: cancel,
		loaded: make(chan struct{}),
	}

	var sendCache sender.Cache
	if s.m.opts.Cache != nil {
		sendCache = s.m.opts.Cache
	}
	c.coord = sender.New(ctx, sender.Config{
		Store:    s.m.opts.Backend,
		Timeline: c.merger,
		Cache:    sendCache,
		Me:       s.user.ToSummary(),
		OnEvent:  c.onSendEvent,
		Log:      log,
	})
	return c
}

func (c *Conversation) load() {
	defer close(c.loaded)
	if err := c.start(); err != nil {
		c.loadErr = err
		c.s.forget(c)
		c.Close()
		c.log.Warn("failed to open conversation", zap.Error(err))
		c.publish(websocket.NewMessage(websocket.EventError, websocket.ErrorPayload{
			Code:    "open_failed",
			Message: err.Error(),
			ChatID:  c.chatID,
		}))
	}
}

// start subscribes first and buffers live events until history is applied,
// so nothing inserted while history loads is missed.
func (c *Conversation) start() error {
	var routerCache realtime.Cache
	if c.s.m.opts.Cache != nil {
		routerCache = c.s.m.opts.Cache
	}
	router, err := realtime.Start(c.ctx, realtime.Config{
		ChatID:    c.chatID,
		Feed:      c.s.m.opts.Backend,
		Cache:     routerCache,
		OnMessage: c.onLive,
		Log:       c.log,
	})
	if err != nil {
		if c.ctx.Err() != nil {
			return syncerr.ErrClosed
		}
		return err
	}
	c.mu.Lock()
	c.router = router
	c.mu.Unlock()

	var (
		messages     []models.MessageWithSender
		chat         models.ChatWithRelations
		participants []models.ParticipantWithUser
	)
	g, gctx := errgroup.WithContext(c.ctx)
	g.Go(func() error {
		var err error
		messages, err = c.s.m.loader.Messages(gctx, c.chatID)
		return err
	})
	g.Go(func() error {
		var err error
		chat, err = c.s.m.opts.Backend.FetchChat(gctx, c.chatID)
		return err
	})
	g.Go(func() error {
		var err error
		participants, err = c.s.m.opts.Backend.FetchChatParticipants(gctx, c.chatID)
		return err
	})
	err = g.Wait()
	if c.ctx.Err() != nil {
		return syncerr.ErrClosed
	}
	if err != nil {
		return err
	}
	if !isParticipant(participants, c.s.user.ID) {
		return syncerr.NotFound("chat", c.chatID)
	}
	chat.Participants = participants

	if err := c.merger.LoadInitial(messages); err != nil {
		c.log.Warn("history contained rejected messages", zap.Error(err))
	}

	c.detailMu.Lock()
	c.chat = chat
	c.participants = participants
	c.hasDetails = true
	c.detailMu.Unlock()

	if _, ok := c.s.list.Get(c.chatID); !ok {
		c.s.list.Upsert(chat)
		c.s.publishList()
	}

	c.mu.Lock()
	for _, msg := range c.buffered {
		c.apply(msg)
	}
	c.buffered = nil
	c.ready = true
	c.mu.Unlock()

	c.publishTimeline()
	c.log.Info("conversation opened", zap.Int("messages", c.merger.Len()))
	return nil
}

// Chat returns the chat with its participants
func (c *Conversation) Chat() models.ChatWithRelations {
	chat, _ := c.details()
	return chat
}

// Header projects the chat for the signed-in user
func (c *Conversation) Header() chatlist.ChatView {
	chat := c.Chat()
	return chatlist.Project(&chat, c.s.user.ID)
}

// Timeline returns confirmed messages in order followed by placeholders
func (c *Conversation) Timeline() []timeline.Entry {
	return c.merger.Snapshot()
}

// Entry returns one timeline entry by message or pending id
func (c *Conversation) Entry(id string) (timeline.Entry, bool) {
	return c.merger.Get(id)
}

// Send submits content as the signed-in user
func (c *Conversation) Send(content string) (*sender.Submission, error) {
	return c.coord.Send(c.chatID, c.s.user.ID, content)
}

// Retry resubmits a failed message
func (c *Conversation) Retry(pendingID string) (*sender.Submission, error) {
	return c.coord.Retry(pendingID)
}

// Discard drops a failed message from the timeline
func (c *Conversation) Discard(pendingID string) error {
	if err := c.coord.Discard(pendingID); err != nil {
		return err
	}
	c.publishTimeline()
	return nil
}

// Close stops the live feed and cancels outstanding loads and sends. It is
// idempotent.
func (c *Conversation) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		router := c.router
		c.mu.Unlock()
		if router != nil {
			router.Stop()
		}
		c.coord.Close()
		c.log.Debug("conversation closed")
	})
}

func (c *Conversation) details() (models.ChatWithRelations, bool) {
	c.detailMu.RLock()
	defer c.detailMu.RUnlock()
	return c.chat.Clone(), c.hasDetails
}

func (c *Conversation) onLive(msg models.MessageWithSender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		c.buffered = append(c.buffered, msg)
		return
	}
	c.apply(msg)
}

// apply is called with mu held so buffered and live events stay serialized
func (c *Conversation) apply(msg models.MessageWithSender) {
	change, err := c.merger.IngestLive(msg)
	if err != nil {
		c.log.Warn("rejected live message", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}

	switch change.Kind {
	case timeline.ChangeNone:
		return
	case timeline.ChangeReconciled:
		c.publish(websocket.NewMessage(websocket.EventMessageConfirmed, websocket.MessagePayload{
			ChatID:    c.chatID,
			PendingID: change.PendingID,
			Entry:     change.Entry,
		}))
	default:
		c.publishTimeline()
	}
	if change.Kind != timeline.ChangeRemoved {
		c.s.onMessage(c, msg)
	}
}

func (c *Conversation) onSendEvent(ev sender.Event) {
	payload := websocket.MessagePayload{ChatID: c.chatID, PendingID: ev.PendingID, Entry: ev.Entry}
	switch ev.Kind {
	case sender.EventPending:
		c.publish(websocket.NewMessage(websocket.EventMessagePending, payload))
	case sender.EventConfirmed:
		c.publish(websocket.NewMessage(websocket.EventMessageConfirmed, payload))
		c.s.onMessage(c, ev.Entry.MessageWithSender)
	case sender.EventFailed:
		if ev.Err != nil {
			payload.Error = ev.Err.Error()
		}
		c.publish(websocket.NewMessage(websocket.EventMessageFailed, payload))
	}
}

func (c *Conversation) publishTimeline() {
	c.publish(websocket.NewMessage(websocket.EventTimelineUpdated, websocket.TimelinePayload{
		ChatID:  c.chatID,
		Entries: c.merger.Snapshot(),
	}))
}

func (c *Conversation) publish(message websocket.WSMessage) {
	c.s.publish(message)
}

func isParticipant(participants []models.ParticipantWithUser, userID string) bool {
	for _, p := range participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}
