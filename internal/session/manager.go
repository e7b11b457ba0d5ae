// Package session keeps the sync state of every signed-in user: the ranked
// conversation list and the conversations that are currently open.
package session

import (
	"context"
	"sync"
	"time"

	"periskope/chatsync/internal/backend"
	"periskope/chatsync/internal/cache"
	"periskope/chatsync/internal/history"
	"periskope/chatsync/internal/logging"
	"periskope/chatsync/internal/models"
	"periskope/chatsync/internal/websocket"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Publisher pushes events to a user's connected clients
type Publisher interface {
	BroadcastToUser(userID string, message websocket.WSMessage)
}

// MessageCache is the resolved-message cache shared by routers and senders
type MessageCache interface {
	Get(ctx context.Context, messageID string) (models.MessageWithSender, bool, error)
	Put(ctx context.Context, msg models.MessageWithSender) error
	Forget(ctx context.Context, messageID string) error
}

var _ MessageCache = (*cache.Messages)(nil)

const createTimeout = 30 * time.Second

// Options configures a Manager
type Options struct {
	Backend      backend.Backend
	Cache        MessageCache // optional
	Publisher    Publisher    // optional
	HistoryLimit int
	// IdleTimeout closes sessions with no attached connection that have not
	// been used for this long. Zero keeps sessions until Close.
	IdleTimeout time.Duration
	Log         *zap.Logger
}

// Manager owns one Session per signed-in user
type Manager struct {
	opts   Options
	loader *history.Loader
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  singleflight.Group

	mu       sync.Mutex
	sessions map[string]*Session
	attached map[string]int
	now      func() time.Time
}

// NewManager creates a manager. Sessions and their open conversations live
// until CloseAll is called or ctx is done.
func NewManager(ctx context.Context, opts Options) *Manager {
	log := logging.OrNop(opts.Log)
	m := &Manager{
		opts:     opts,
		loader:   history.NewLoader(opts.Backend, opts.HistoryLimit, log),
		log:      log,
		sessions: make(map[string]*Session),
		attached: make(map[string]int),
		now:      time.Now,
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	if opts.IdleTimeout > 0 {
		go m.reap(opts.IdleTimeout)
	}
	return m
}

// Get returns userID's session, creating it on first use. Concurrent first
// calls for the same user share one creation, which runs on the manager's
// context so a caller giving up does not fail the others.
func (m *Manager) Get(ctx context.Context, userID string) (*Session, error) {
	if s, ok := m.lookup(userID); ok {
		return s, nil
	}

	ch := m.group.DoChan(userID, func() (any, error) {
		return m.create(userID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) create(userID string) (*Session, error) {
	if s, ok := m.lookup(userID); ok {
		return s, nil
	}

	ctx, cancel := context.WithTimeout(m.ctx, createTimeout)
	defer cancel()

	user, err := m.opts.Backend.FetchUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	s := newSession(m, user)
	if err := s.Reload(ctx); err != nil {
		s.log.Warn("initial chat list load failed", zap.Error(err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.Err() != nil {
		s.Close()
		return nil, m.ctx.Err()
	}
	s.lastUsed = m.now()
	m.sessions[userID] = s
	return s, nil
}

// lookup returns an existing session without creating one and marks it used
func (m *Manager) lookup(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if ok {
		s.lastUsed = m.now()
	}
	return s, ok
}

// Attach records a live connection for userID. A session with an attached
// connection is never closed for idleness.
func (m *Manager) Attach(userID string) {
	m.mu.Lock()
	m.attached[userID]++
	m.mu.Unlock()
}

// Detach releases a connection recorded by Attach. The idle timeout of the
// user's session starts when the last one is released.
func (m *Manager) Detach(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attached[userID] <= 1 {
		delete(m.attached, userID)
	} else {
		m.attached[userID]--
	}
	if s, ok := m.sessions[userID]; ok {
		s.lastUsed = m.now()
	}
}

func (m *Manager) reap(idle time.Duration) {
	interval := idle / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweep(idle)
		}
	}
}

// sweep closes detached sessions unused for longer than idle and returns how
// many it closed
func (m *Manager) sweep(idle time.Duration) int {
	m.mu.Lock()
	cutoff := m.now().Add(-idle)
	var stale []*Session
	for id, s := range m.sessions {
		if m.attached[id] > 0 || s.lastUsed.After(cutoff) {
			continue
		}
		delete(m.sessions, id)
		stale = append(stale, s)
	}
	m.mu.Unlock()

	for _, s := range stale {
		s.log.Info("closing idle session", zap.Int("open_chats", len(s.OpenChats())))
		s.Close()
	}
	return len(stale)
}

// Close ends userID's session and every conversation it has open
func (m *Manager) Close(userID string) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()
	if ok {
		s.Close()
	}
}

// CloseAll ends every session
func (m *Manager) CloseAll() {
	m.cancel()

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

func (m *Manager) publish(userID string, message websocket.WSMessage) {
	if m.opts.Publisher != nil {
		m.opts.Publisher.BroadcastToUser(userID, message)
	}
}
