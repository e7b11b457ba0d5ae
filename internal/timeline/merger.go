// Package timeline merges history, live events and optimistic sends for one
// open conversation into a single ordered message sequence.
//
// Confirmed messages are kept strictly ordered by (created_at, id) and unique
// by id. Pending placeholders trail every confirmed message in the order they
// were added, until they are reconciled with their server row or removed.
package timeline

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"periskope/chatsync/internal/logging"
	"periskope/chatsync/internal/models"
	"periskope/chatsync/internal/syncerr"
	"periskope/chatsync/internal/utils"

	"go.uber.org/zap"
)

// State marks whether an entry is a stored row or a local placeholder
type State string

const (
	StateConfirmed State = "confirmed"
	StatePending   State = "pending"
	StateFailed    State = "failed"
)

// Entry is one position in a timeline
type Entry struct {
	models.MessageWithSender
	State State `json:"state"`
}

// IsPending reports whether the entry is a placeholder, failed or not
func (e Entry) IsPending() bool {
	return e.State != StateConfirmed
}

// ChangeKind describes what a mutation did to the sequence
type ChangeKind string

const (
	ChangeNone       ChangeKind = "none"
	ChangeInserted   ChangeKind = "inserted"
	ChangeReconciled ChangeKind = "reconciled"
	ChangeRemoved    ChangeKind = "removed"
)

// Change is the result of ingesting or confirming a message
type Change struct {
	Kind      ChangeKind
	Entry     Entry
	PendingID string // placeholder replaced by Entry, if any
}

// Merger owns the timeline of one conversation. All methods are safe for
// concurrent use; mutations are serialized.
type Merger struct {
	chatID string
	log    *zap.Logger
	now    func() time.Time

	mu        sync.RWMutex
	confirmed []Entry
	contents  map[string]string // confirmed id -> content
	pending   []Entry
}

// New creates an empty timeline for chatID
func New(chatID string, log *zap.Logger) *Merger {
	return &Merger{
		chatID:   chatID,
		log:      logging.OrNop(log).With(zap.String("chat_id", chatID)),
		now:      func() time.Time { return time.Now().UTC() },
		contents: make(map[string]string),
	}
}

// ChatID returns the conversation this timeline belongs to
func (m *Merger) ChatID() string {
	return m.chatID
}

// LoadInitial replaces the confirmed sequence with messages, in any order.
// Pending placeholders are kept. Malformed, foreign and deleted messages are
// skipped; the returned error reports the malformed ones, and the valid
// messages are applied regardless.
func (m *Merger) LoadInitial(messages []models.MessageWithSender) error {
	var rejected []error
	valid := make([]Entry, 0, len(messages))
	for _, msg := range messages {
		if err := m.check(&msg); err != nil {
			m.log.Warn("rejected history message", zap.String("message_id", msg.ID), zap.Error(err))
			rejected = append(rejected, err)
			continue
		}
		if msg.IsDeleted {
			continue
		}
		valid = append(valid, Entry{MessageWithSender: msg, State: StateConfirmed})
	}

	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].Message.Before(&valid[j].Message)
	})

	contents := make(map[string]string, len(valid))
	deduped := valid[:0]
	for _, e := range valid {
		if prev, ok := contents[e.ID]; ok {
			if prev != e.Content {
				m.log.Warn("history contains conflicting copies of a message", zap.String("message_id", e.ID))
			}
			continue
		}
		contents[e.ID] = e.Content
		deduped = append(deduped, e)
	}

	m.mu.Lock()
	m.confirmed = deduped
	m.contents = contents
	m.mu.Unlock()

	return errors.Join(rejected...)
}

// IngestLive places a confirmed message. A duplicate id is a no-op. When a
// placeholder from the same sender with the same content is waiting, the
// oldest such placeholder is replaced instead of growing the sequence.
func (m *Merger) IngestLive(msg models.MessageWithSender) (Change, error) {
	if err := m.check(&msg); err != nil {
		m.log.Warn("rejected live message", zap.String("message_id", msg.ID), zap.Error(err))
		return Change{Kind: ChangeNone}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.IsDeleted {
		return m.removeConfirmedLocked(msg.ID), nil
	}
	if prev, ok := m.contents[msg.ID]; ok {
		if prev != msg.Content {
			err := syncerr.Invariant("message %s redelivered with different content", msg.ID)
			m.log.Warn("kept first copy of message", zap.String("message_id", msg.ID), zap.Error(err))
			return Change{Kind: ChangeNone}, err
		}
		return Change{Kind: ChangeNone}, nil
	}

	change := Change{Kind: ChangeInserted}
	if i := m.matchPendingLocked(&msg); i >= 0 {
		change.Kind = ChangeReconciled
		change.PendingID = m.pending[i].ID
		m.pending = append(m.pending[:i], m.pending[i+1:]...)
	}
	change.Entry = m.insertLocked(msg)
	return change, nil
}

// Confirm replaces placeholder pendingID with its stored row. It is the exact
// counterpart of IngestLive's content match and either may arrive first.
func (m *Merger) Confirm(pendingID string, msg models.MessageWithSender) (Change, error) {
	if err := m.check(&msg); err != nil {
		return Change{Kind: ChangeNone}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	change := Change{Kind: ChangeInserted}
	if i := m.pendingIndexLocked(pendingID); i >= 0 {
		change.Kind = ChangeReconciled
		change.PendingID = pendingID
		m.pending = append(m.pending[:i], m.pending[i+1:]...)
	}
	if _, ok := m.contents[msg.ID]; ok {
		if change.Kind == ChangeReconciled {
			change.Entry = m.confirmed[m.confirmedIndexLocked(msg.ID)]
			return change, nil
		}
		return Change{Kind: ChangeNone}, nil
	}
	change.Entry = m.insertLocked(msg)
	return change, nil
}

// AddPending appends an optimistic placeholder at the tail. An empty id is
// replaced by a provisional one and a zero created_at by the current time.
func (m *Merger) AddPending(placeholder models.MessageWithSender) (Entry, error) {
	if err := m.check(&placeholder); err != nil {
		return Entry{}, err
	}
	if strings.TrimSpace(placeholder.Content) == "" {
		return Entry{}, syncerr.Validation("content is empty")
	}
	if placeholder.ID == "" {
		placeholder.ID = utils.NewPendingID()
	}
	if placeholder.Type == "" {
		placeholder.Type = models.MessageTypeText
	}
	if placeholder.CreatedAt.IsZero() {
		placeholder.CreatedAt = m.now()
		placeholder.UpdatedAt = placeholder.CreatedAt
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.contents[placeholder.ID]; ok || m.pendingIndexLocked(placeholder.ID) >= 0 {
		return Entry{}, syncerr.Validation("id %s already in timeline", placeholder.ID)
	}
	e := Entry{MessageWithSender: placeholder, State: StatePending}
	m.pending = append(m.pending, e)
	return e, nil
}

// MarkPendingFailed flags a placeholder as failed to send. It stays in place.
func (m *Merger) MarkPendingFailed(pendingID string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.pendingIndexLocked(pendingID)
	if i < 0 {
		return Entry{}, syncerr.NotFound("pending message", pendingID)
	}
	m.pending[i].State = StateFailed
	return m.pending[i], nil
}

// RetryPending moves a failed placeholder back to pending
func (m *Merger) RetryPending(pendingID string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.pendingIndexLocked(pendingID)
	if i < 0 {
		return Entry{}, syncerr.NotFound("pending message", pendingID)
	}
	if m.pending[i].State != StateFailed {
		return Entry{}, syncerr.Validation("message %s has not failed", pendingID)
	}
	m.pending[i].State = StatePending
	return m.pending[i], nil
}

// RemovePending drops a placeholder
func (m *Merger) RemovePending(pendingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.pendingIndexLocked(pendingID)
	if i < 0 {
		return syncerr.NotFound("pending message", pendingID)
	}
	m.pending = append(m.pending[:i], m.pending[i+1:]...)
	return nil
}

// Get returns the entry with the given id
func (m *Merger) Get(id string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if i := m.pendingIndexLocked(id); i >= 0 {
		return m.pending[i], true
	}
	if _, ok := m.contents[id]; ok {
		return m.confirmed[m.confirmedIndexLocked(id)], true
	}
	return Entry{}, false
}

// Snapshot returns confirmed entries in order followed by placeholders
func (m *Merger) Snapshot() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, len(m.confirmed)+len(m.pending))
	out = append(out, m.confirmed...)
	out = append(out, m.pending...)
	return out
}

// Len returns the number of entries, placeholders included
func (m *Merger) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.confirmed) + len(m.pending)
}

func (m *Merger) check(msg *models.MessageWithSender) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.ChatID != m.chatID {
		return syncerr.Validation("message %q belongs to chat %q", msg.ID, msg.ChatID)
	}
	return nil
}

// insertLocked places msg by (created_at, id). The caller ensures the id is new.
func (m *Merger) insertLocked(msg models.MessageWithSender) Entry {
	e := Entry{MessageWithSender: msg, State: StateConfirmed}
	i := sort.Search(len(m.confirmed), func(i int) bool {
		return e.Message.Before(&m.confirmed[i].Message)
	})
	m.confirmed = append(m.confirmed, Entry{})
	copy(m.confirmed[i+1:], m.confirmed[i:])
	m.confirmed[i] = e
	m.contents[msg.ID] = msg.Content
	return e
}

func (m *Merger) removeConfirmedLocked(id string) Change {
	if _, ok := m.contents[id]; !ok {
		return Change{Kind: ChangeNone}
	}
	i := m.confirmedIndexLocked(id)
	e := m.confirmed[i]
	m.confirmed = append(m.confirmed[:i], m.confirmed[i+1:]...)
	delete(m.contents, id)
	return Change{Kind: ChangeRemoved, Entry: e}
}

// matchPendingLocked finds the oldest placeholder msg confirms. Pending
// placeholders are preferred over failed ones, since a failed submit may
// still have been stored.
func (m *Merger) matchPendingLocked(msg *models.MessageWithSender) int {
	failed := -1
	for i, p := range m.pending {
		if p.SenderID != msg.SenderID || p.Content != msg.Content || p.ChatID != msg.ChatID {
			continue
		}
		if p.State == StatePending {
			return i
		}
		if failed < 0 {
			failed = i
		}
	}
	return failed
}

func (m *Merger) pendingIndexLocked(id string) int {
	for i := range m.pending {
		if m.pending[i].ID == id {
			return i
		}
	}
	return -1
}

func (m *Merger) confirmedIndexLocked(id string) int {
	for i := range m.confirmed {
		if m.confirmed[i].ID == id {
			return i
		}
	}
	return -1
}
