// Package realtime turns bare insert notifications for one conversation into
// fully resolved messages.
package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"periskope/chatsync/internal/backend"
	"periskope/chatsync/internal/logging"
	"periskope/chatsync/internal/models"
	"periskope/chatsync/internal/syncerr"

	"go.uber.org/zap"
)

const defaultBuffer = 64

// Feed is the change feed and row lookup the router depends on
type Feed interface {
	SubscribeInserts(ctx context.Context, chatID string, onInsert backend.InsertHandler) (backend.Subscription, error)
	LookupMessage(ctx context.Context, messageID string) (models.MessageWithSender, error)
}

// Cache holds rows pre-warmed by the sender. An entry is consumed by the
// first notification that hits it, so later duplicates are looked up again
// and observe deletions.
type Cache interface {
	Get(ctx context.Context, messageID string) (models.MessageWithSender, bool, error)
	Forget(ctx context.Context, messageID string) error
}

// Config configures a Router
type Config struct {
	ChatID string
	Feed   Feed
	Cache  Cache // optional
	// OnMessage receives every resolved message, from a single goroutine.
	OnMessage func(models.MessageWithSender)
	// OnDrop is told about every notification that could not be resolved.
	OnDrop func(messageID string, err error)
	Buffer int
	Log    *zap.Logger
}

// Router owns the change-feed subscription of one open conversation.
// Notifications are resolved one at a time in arrival order; it does not
// reorder them.
type Router struct {
	cfg  Config
	log  *zap.Logger
	sub  backend.Subscription
	ids  chan string
	stop chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	delivered atomic.Int64
	dropped   atomic.Int64
}

// Start subscribes to chatID's inserts. The router stops when Stop is called
// or ctx is done.
func Start(ctx context.Context, cfg Config) (*Router, error) {
	if cfg.ChatID == "" {
		return nil, syncerr.Validation("chat id is required")
	}
	if cfg.Feed == nil || cfg.OnMessage == nil {
		return nil, errors.New("router needs a feed and a message handler")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}

	r := &Router{
		cfg:  cfg,
		log:  logging.OrNop(cfg.Log).With(zap.String("chat_id", cfg.ChatID)),
		ids:  make(chan string, cfg.Buffer),
		stop: make(chan struct{}),
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	sub, err := cfg.Feed.SubscribeInserts(r.ctx, cfg.ChatID, r.enqueue)
	if err != nil {
		r.cancel()
		return nil, err
	}
	r.sub = sub

	r.wg.Add(1)
	go r.run()
	context.AfterFunc(r.ctx, r.Stop)

	r.log.Debug("live router started")
	return r, nil
}

// Stop unsubscribes and waits for the worker. It is idempotent.
func (r *Router) Stop() {
	r.once.Do(func() {
		close(r.stop)
		r.cancel()
		r.sub.Unsubscribe()
		r.wg.Wait()
		r.log.Debug("live router stopped",
			zap.Int64("delivered", r.delivered.Load()),
			zap.Int64("dropped", r.dropped.Load()))
	})
}

// Done is closed once the router has been asked to stop
func (r *Router) Done() <-chan struct{} {
	return r.stop
}

// Stats returns how many notifications were delivered and dropped
func (r *Router) Stats() (delivered, dropped int64) {
	return r.delivered.Load(), r.dropped.Load()
}

func (r *Router) enqueue(messageID string) {
	select {
	case r.ids <- messageID:
	case <-r.stop:
	}
}

func (r *Router) run() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case id := <-r.ids:
			r.resolve(id)
		}
	}
}

func (r *Router) resolve(messageID string) {
	if messageID == "" {
		r.drop(messageID, syncerr.Validation("notification has no message id"))
		return
	}

	if msg, ok := r.fromCache(messageID); ok {
		r.deliver(msg)
		return
	}

	msg, err := r.cfg.Feed.LookupMessage(r.ctx, messageID)
	if r.ctx.Err() != nil {
		return
	}
	if err != nil {
		r.drop(messageID, err)
		return
	}
	if msg.ChatID != r.cfg.ChatID {
		r.drop(messageID, syncerr.Validation("message belongs to chat %q", msg.ChatID))
		return
	}
	r.deliver(msg)
}

// fromCache takes a pre-warmed row out of the cache
func (r *Router) fromCache(messageID string) (models.MessageWithSender, bool) {
	if r.cfg.Cache == nil {
		return models.MessageWithSender{}, false
	}
	msg, ok, err := r.cfg.Cache.Get(r.ctx, messageID)
	if err != nil {
		r.log.Warn("message cache unavailable", zap.String("message_id", messageID), zap.Error(err))
	}
	if !ok {
		return models.MessageWithSender{}, false
	}
	if err := r.cfg.Cache.Forget(r.ctx, messageID); err != nil {
		r.log.Warn("failed to consume cached message", zap.String("message_id", messageID), zap.Error(err))
	}
	if msg.ChatID != r.cfg.ChatID || msg.IsDeleted {
		return models.MessageWithSender{}, false
	}
	return msg, true
}

func (r *Router) deliver(msg models.MessageWithSender) {
	if r.ctx.Err() != nil {
		return
	}
	r.delivered.Add(1)
	r.cfg.OnMessage(msg)
}

// drop reports a notification that will not be retried
func (r *Router) drop(messageID string, err error) {
	r.dropped.Add(1)
	r.log.Warn("dropped insert notification", zap.String("message_id", messageID), zap.Error(err))
	if r.cfg.OnDrop != nil {
		r.cfg.OnDrop(messageID, err)
	}
}
