package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"periskope/chatsync/internal/logging"
	"periskope/chatsync/internal/syncerr"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

const (
	minReconnectDelay = 500 * time.Millisecond
	maxReconnectDelay = 30 * time.Second
)

// listener multiplexes every chat's LISTEN channel over one connection
// dialed outside the pool. Only run touches the connection; subscribe and
// unsubscribe edit the registry and interrupt the current wait so run can
// issue the LISTEN/UNLISTEN delta.
type listener struct {
	config *pgx.ConnConfig
	log    *zap.Logger

	mu        sync.Mutex
	reg       registry
	dirty     bool
	interrupt context.CancelFunc
	started   bool
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newListener(config *pgx.ConnConfig, log *zap.Logger) *listener {
	ctx, cancel := context.WithCancel(context.Background())
	return &listener{
		config: config,
		log:    logging.OrNop(log).Named("listener"),
		reg:    newRegistry(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// subscribe returns once channel is LISTENed on the shared connection
func (l *listener) subscribe(ctx context.Context, channel string, fn InsertHandler) (*pgSubscription, error) {
	sub := &pgSubscription{owner: l, channel: channel, fn: fn, ready: make(chan struct{})}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, fmt.Errorf("change feed: %w", syncerr.ErrClosed)
	}
	l.reg.add(sub)
	if !l.started {
		l.started = true
		go l.run()
	}
	l.wakeLocked()
	l.mu.Unlock()

	select {
	case <-sub.ready:
		if sub.err != nil {
			sub.Unsubscribe()
			return nil, sub.err
		}
		return sub, nil
	case <-ctx.Done():
		sub.Unsubscribe()
		return nil, syncerr.Remote("listen", ctx.Err())
	case <-l.done:
		sub.Unsubscribe()
		return nil, fmt.Errorf("change feed: %w", syncerr.ErrClosed)
	}
}

func (l *listener) remove(sub *pgSubscription) {
	l.mu.Lock()
	if l.reg.remove(sub) {
		l.wakeLocked()
	}
	l.mu.Unlock()
}

func (l *listener) wakeLocked() {
	l.dirty = true
	if l.interrupt != nil {
		l.interrupt()
	}
}

func (l *listener) close() {
	l.mu.Lock()
	l.closed = true
	started := l.started
	l.mu.Unlock()

	l.cancel()
	if started {
		<-l.done
	}
}

func (l *listener) run() {
	defer close(l.done)

	var conn *pgx.Conn
	defer func() {
		if conn != nil {
			closeListenConn(conn)
		}
	}()

	listening := make(map[string]bool)
	delay := minReconnectDelay

	for l.ctx.Err() == nil {
		if conn == nil {
			c, err := pgx.ConnectConfig(l.ctx, l.config)
			if err != nil {
				if l.ctx.Err() != nil {
					return
				}
				l.log.Error("change feed connect failed", zap.Error(err), zap.Duration("retry_in", delay))
				l.mu.Lock()
				l.reg.failPending(syncerr.Remote("connect change feed", err))
				l.mu.Unlock()
				if !l.sleep(delay) {
					return
				}
				delay = min(delay*2, maxReconnectDelay)
				continue
			}
			conn = c
			delay = minReconnectDelay
			clear(listening)
		}

		if err := l.reconcile(conn, listening); err != nil {
			if l.ctx.Err() != nil {
				return
			}
			l.log.Error("change feed listen failed", zap.Error(err))
			closeListenConn(conn)
			conn = nil
			continue
		}

		l.mu.Lock()
		if l.dirty {
			l.mu.Unlock()
			continue
		}
		waitCtx, cancel := context.WithCancel(l.ctx)
		l.interrupt = cancel
		l.mu.Unlock()

		n, err := conn.WaitForNotification(waitCtx)
		interrupted := waitCtx.Err() != nil

		l.mu.Lock()
		l.interrupt = nil
		l.mu.Unlock()
		cancel()

		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			if interrupted && !conn.IsClosed() {
				continue
			}
			l.log.Error("change feed connection lost", zap.Error(err))
			closeListenConn(conn)
			conn = nil
			continue
		}
		l.dispatch(n)
	}
}

// reconcile brings the connection's LISTEN set in line with the registry
func (l *listener) reconcile(conn *pgx.Conn, listening map[string]bool) error {
	l.mu.Lock()
	l.dirty = false
	listen, unlisten := l.reg.diff(listening)
	l.mu.Unlock()

	for _, ch := range unlisten {
		if _, err := conn.Exec(l.ctx, "UNLISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return err
		}
		delete(listening, ch)
	}
	for _, ch := range listen {
		if _, err := conn.Exec(l.ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return err
		}
		listening[ch] = true
	}
	if len(listen) > 0 || len(unlisten) > 0 {
		l.log.Debug("change feed channels updated",
			zap.Strings("listen", listen),
			zap.Strings("unlisten", unlisten),
			zap.Int("channels", len(listening)))
	}

	l.mu.Lock()
	l.reg.markReady(listening)
	l.mu.Unlock()
	return nil
}

// dispatch hands a notification to every subscriber of its channel, in order
func (l *listener) dispatch(n *pgconn.Notification) {
	id, err := parseNotification(n.Payload)
	if err != nil {
		l.log.Warn("malformed insert notification",
			zap.String("channel", n.Channel), zap.String("payload", n.Payload), zap.Error(err))
	}

	l.mu.Lock()
	targets := l.reg.targets(n.Channel)
	l.mu.Unlock()

	for _, s := range targets {
		s.deliver(id)
	}
}

func (l *listener) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-l.ctx.Done():
		return false
	}
}

func closeListenConn(conn *pgx.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = conn.Close(ctx)
}

// registry is the channel to subscriber bookkeeping of a listener. It is
// guarded by the listener's mutex.
type registry struct {
	subs map[string]map[*pgSubscription]struct{}
}

func newRegistry() registry {
	return registry{subs: make(map[string]map[*pgSubscription]struct{})}
}

// add reports whether s is the first subscriber of its channel
func (r registry) add(s *pgSubscription) bool {
	set, ok := r.subs[s.channel]
	if !ok {
		set = make(map[*pgSubscription]struct{})
		r.subs[s.channel] = set
	}
	set[s] = struct{}{}
	return !ok
}

// remove reports whether s was the last subscriber of its channel
func (r registry) remove(s *pgSubscription) bool {
	set, ok := r.subs[s.channel]
	if !ok {
		return false
	}
	if _, ok := set[s]; !ok {
		return false
	}
	delete(set, s)
	if len(set) > 0 {
		return false
	}
	delete(r.subs, s.channel)
	return true
}

func (r registry) targets(channel string) []*pgSubscription {
	out := make([]*pgSubscription, 0, len(r.subs[channel]))
	for s := range r.subs[channel] {
		out = append(out, s)
	}
	return out
}

// diff returns the channels to LISTEN and UNLISTEN given the connection's
// current LISTEN set
func (r registry) diff(listening map[string]bool) (listen, unlisten []string) {
	for ch := range r.subs {
		if !listening[ch] {
			listen = append(listen, ch)
		}
	}
	for ch := range listening {
		if _, ok := r.subs[ch]; !ok {
			unlisten = append(unlisten, ch)
		}
	}
	sort.Strings(listen)
	sort.Strings(unlisten)
	return listen, unlisten
}

// markReady releases subscribers whose channel is now listened on
func (r registry) markReady(listening map[string]bool) {
	for ch, set := range r.subs {
		if !listening[ch] {
			continue
		}
		for s := range set {
			if !s.isReady {
				s.isReady = true
				close(s.ready)
			}
		}
	}
}

// failPending drops every subscriber still waiting for its LISTEN
func (r registry) failPending(err error) {
	for ch, set := range r.subs {
		for s := range set {
			if s.isReady {
				continue
			}
			s.isReady = true
			s.err = err
			close(s.ready)
			delete(set, s)
		}
		if len(set) == 0 {
			delete(r.subs, ch)
		}
	}
}

type pgSubscription struct {
	owner   *listener
	channel string
	fn      InsertHandler

	// guarded by owner.mu
	ready   chan struct{}
	isReady bool
	err     error

	mu     sync.Mutex
	closed bool
}

// deliver holds mu while calling fn so no callback runs after Unsubscribe returns
func (s *pgSubscription) deliver(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.fn(messageID)
}

func (s *pgSubscription) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.owner.remove(s)
}
