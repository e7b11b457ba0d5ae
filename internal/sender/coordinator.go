// Package sender applies outbound messages optimistically and submits them to
// storage, one at a time per conversation.
package sender

import (
	"context"
	"strings"
	"sync"

	"periskope/chatsync/internal/logging"
	"periskope/chatsync/internal/models"
	"periskope/chatsync/internal/syncerr"
	"periskope/chatsync/internal/timeline"

	"go.uber.org/zap"
)

// Store persists outbound messages
type Store interface {
	InsertMessage(ctx context.Context, chatID, senderID, content string) (models.MessageWithSender, error)
}

// Cache is pre-warmed with stored rows so the live echo resolves locally
type Cache interface {
	Put(ctx context.Context, msg models.MessageWithSender) error
}

type EventKind string

const (
	EventPending   EventKind = "pending"
	EventConfirmed EventKind = "confirmed"
	EventFailed    EventKind = "failed"
)

// Event describes a change the coordinator made to the timeline
type Event struct {
	Kind      EventKind
	PendingID string
	Entry     timeline.Entry
	Err       error
}

// Config configures a Coordinator. It sends to the chat of Timeline.
type Config struct {
	Store    Store
	Timeline *timeline.Merger
	Cache    Cache // optional
	// Me is embedded as the sender of placeholders created for Me.ID.
	Me      models.UserSummary
	OnEvent func(Event)
	Log     *zap.Logger
}

// Coordinator owns the send path of one open conversation
type Coordinator struct {
	cfg    Config
	chatID string
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inFlight string
	closed   bool
}

// New returns a coordinator whose submissions are cancelled when ctx is done
// or Close is called.
func New(ctx context.Context, cfg Config) *Coordinator {
	chatID := cfg.Timeline.ChatID()
	c := &Coordinator{
		cfg:    cfg,
		chatID: chatID,
		log:    logging.OrNop(cfg.Log).With(zap.String("chat_id", chatID)),
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	return c
}

// Send validates content, appends a pending placeholder and submits it in
// the background. A second send while one is outstanding fails with
// syncerr.ErrSendInFlight.
func (c *Coordinator) Send(chatID, senderID, content string) (*Submission, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, syncerr.Validation("message content is empty")
	}
	if chatID != c.chatID {
		return nil, syncerr.Validation("coordinator for chat %q cannot send to %q", c.chatID, chatID)
	}
	if senderID == "" {
		return nil, syncerr.Validation("sender id is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.admitLocked(); err != nil {
		return nil, err
	}

	placeholder := models.MessageWithSender{
		Message: models.Message{
			ChatID:   chatID,
			SenderID: senderID,
			Content:  content,
			Type:     models.MessageTypeText,
		},
		Sender: models.UserSummary{ID: senderID},
	}
	if c.cfg.Me.ID == senderID {
		placeholder.Sender = c.cfg.Me
	}

	entry, err := c.cfg.Timeline.AddPending(placeholder)
	if err != nil {
		return nil, err
	}
	c.emit(Event{Kind: EventPending, PendingID: entry.ID, Entry: entry})
	return c.submitLocked(entry), nil
}

// Retry resubmits a failed placeholder
func (c *Coordinator) Retry(pendingID string) (*Submission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.admitLocked(); err != nil {
		return nil, err
	}

	entry, err := c.cfg.Timeline.RetryPending(pendingID)
	if err != nil {
		return nil, err
	}
	c.emit(Event{Kind: EventPending, PendingID: entry.ID, Entry: entry})
	return c.submitLocked(entry), nil
}

// Discard removes a placeholder that is not currently being submitted
func (c *Coordinator) Discard(pendingID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight == pendingID {
		return syncerr.ErrSendInFlight
	}
	return c.cfg.Timeline.RemovePending(pendingID)
}

// InFlight returns the pending id currently being submitted, if any
func (c *Coordinator) InFlight() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight, c.inFlight != ""
}

// Close cancels any outstanding submission and waits for it to finish.
// Responses that arrive afterwards are discarded.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) admitLocked() error {
	if c.closed || c.ctx.Err() != nil {
		return syncerr.ErrClosed
	}
	if c.inFlight != "" {
		return syncerr.ErrSendInFlight
	}
	return nil
}

func (c *Coordinator) submitLocked(entry timeline.Entry) *Submission {
	sub := &Submission{PendingID: entry.ID, done: make(chan struct{})}
	c.inFlight = entry.ID
	c.wg.Add(1)
	go c.submit(sub, entry)
	return sub
}

func (c *Coordinator) submit(sub *Submission, entry timeline.Entry) {
	defer c.wg.Done()
	log := c.log.With(zap.String("pending_id", sub.PendingID))

	row, err := c.cfg.Store.InsertMessage(c.ctx, entry.ChatID, entry.SenderID, entry.Content)

	c.mu.Lock()
	c.inFlight = ""
	c.mu.Unlock()

	if c.ctx.Err() != nil {
		log.Debug("discarding send result after close", zap.Error(err))
		sub.finish(models.MessageWithSender{}, syncerr.ErrClosed)
		return
	}

	if err != nil {
		log.Warn("send failed", zap.Error(err))
		failed, markErr := c.cfg.Timeline.MarkPendingFailed(sub.PendingID)
		if markErr != nil {
			log.Debug("placeholder gone before failure", zap.Error(markErr))
		} else {
			c.emit(Event{Kind: EventFailed, PendingID: sub.PendingID, Entry: failed, Err: err})
		}
		sub.finish(models.MessageWithSender{}, err)
		return
	}

	if c.cfg.Cache != nil {
		if err := c.cfg.Cache.Put(c.ctx, row); err != nil {
			log.Warn("failed to cache sent message", zap.String("message_id", row.ID), zap.Error(err))
		}
	}

	change, err := c.cfg.Timeline.Confirm(sub.PendingID, row)
	if err != nil {
		log.Error("stored row rejected by timeline", zap.String("message_id", row.ID), zap.Error(err))
	} else if change.Kind != timeline.ChangeNone {
		c.emit(Event{Kind: EventConfirmed, PendingID: sub.PendingID, Entry: change.Entry})
	}
	sub.finish(row, nil)
}

func (c *Coordinator) emit(ev Event) {
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(ev)
	}
}

// Submission is the handle of one background submit
type Submission struct {
	PendingID string

	done chan struct{}
	row  models.MessageWithSender
	err  error
}

func (s *Submission) finish(row models.MessageWithSender, err error) {
	s.row, s.err = row, err
	close(s.done)
}

// Done is closed once the submit has completed or been discarded
func (s *Submission) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the submit completes and returns the stored row
func (s *Submission) Wait(ctx context.Context) (models.MessageWithSender, error) {
	select {
	case <-s.done:
		return s.row, s.err
	case <-ctx.Done():
		return models.MessageWithSender{}, ctx.Err()
	}
}
