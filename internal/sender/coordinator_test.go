package sender

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"periskope/chatsync/internal/backend"
	"periskope/chatsync/internal/cache"
	"periskope/chatsync/internal/models"
	"periskope/chatsync/internal/syncerr"
	"periskope/chatsync/internal/timeline"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fixture struct {
	store  *backend.Memory
	merger *timeline.Merger
	coord  *Coordinator
	me     models.User
	chat   models.Chat

	mu     sync.Mutex
	events []Event
}

func newFixture(t *testing.T, c Cache) *fixture {
	t.Helper()
	m := backend.NewMemory()
	me := m.AddUser(models.User{Phone: "+100", Name: "Alice"})
	bob := m.AddUser(models.User{Phone: "+200", Name: "Bob"})
	chat := m.AddChat(models.Chat{CreatedBy: me.ID}, me.ID, bob.ID)

	f := &fixture{store: m, merger: timeline.New(chat.ID, nil), me: me, chat: chat}
	f.coord = New(context.Background(), Config{
		Store:    m,
		Timeline: f.merger,
		Cache:    c,
		Me:       me.ToSummary(),
		OnEvent: func(ev Event) {
			f.mu.Lock()
			f.events = append(f.events, ev)
			f.mu.Unlock()
		},
	})
	t.Cleanup(f.coord.Close)
	return f
}

func (f *fixture) kinds() []EventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]EventKind, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.Kind
	}
	return out
}

func waitFor(t *testing.T, sub *Submission) (models.MessageWithSender, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	row, err := sub.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("timed out waiting for submission")
	}
	return row, err
}

func TestSendRejectsBlankContent(t *testing.T) {
	f := newFixture(t, nil)
	for _, content := range []string{"", "   ", "\n\t"} {
		if _, err := f.coord.Send(f.chat.ID, f.me.ID, content); !errors.Is(err, syncerr.ErrValidation) {
			t.Fatalf("content %q: expected validation error, got %v", content, err)
		}
	}
	if f.merger.Len() != 0 {
		t.Fatalf("expected no side effects, timeline has %d entries", f.merger.Len())
	}
	if len(f.kinds()) != 0 {
		t.Fatalf("expected no events, got %v", f.kinds())
	}
}

func TestSendRejectsOtherChat(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.coord.Send("other", f.me.ID, "hi"); !errors.Is(err, syncerr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSendConfirmsPlaceholder(t *testing.T) {
	f := newFixture(t, nil)
	sub, err := f.coord.Send(f.chat.ID, f.me.ID, "  hi  ")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	pending, ok := f.merger.Get(sub.PendingID)
	if ok && (pending.Content != "hi" || pending.Sender.Name != "Alice") {
		t.Fatalf("unexpected placeholder: %+v", pending)
	}

	row, err := waitFor(t, sub)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if row.Content != "hi" {
		t.Fatalf("expected trimmed content to be stored, got %q", row.Content)
	}

	snap := f.merger.Snapshot()
	if len(snap) != 1 || snap[0].ID != row.ID || snap[0].State != timeline.StateConfirmed {
		t.Fatalf("expected single confirmed entry, got %+v", snap)
	}
	if got := f.kinds(); len(got) != 2 || got[0] != EventPending || got[1] != EventConfirmed {
		t.Fatalf("unexpected events: %v", got)
	}
	if _, busy := f.coord.InFlight(); busy {
		t.Fatal("expected guard to be cleared")
	}
}

func TestSendRejectsWhileInFlight(t *testing.T) {
	f := newFixture(t, nil)
	release := make(chan struct{})
	f.store.SetHooks(backend.Hooks{
		BeforeInsert: func(ctx context.Context) error {
			<-release
			return nil
		},
	})

	first, err := f.coord.Send(f.chat.ID, f.me.ID, "one")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := f.coord.Send(f.chat.ID, f.me.ID, "one"); !errors.Is(err, syncerr.ErrSendInFlight) {
		t.Fatalf("expected in-flight rejection, got %v", err)
	}
	if f.merger.Len() != 1 {
		t.Fatalf("expected the rejected send to leave no placeholder, got %d entries", f.merger.Len())
	}

	close(release)
	if _, err := waitFor(t, first); err != nil {
		t.Fatalf("wait: %v", err)
	}
	second, err := f.coord.Send(f.chat.ID, f.me.ID, "two")
	if err != nil {
		t.Fatalf("send after completion: %v", err)
	}
	if _, err := waitFor(t, second); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if f.merger.Len() != 2 {
		t.Fatalf("expected two confirmed messages, got %d", f.merger.Len())
	}
}

func TestSendFailureKeepsFailedEntryAndRetry(t *testing.T) {
	f := newFixture(t, nil)
	f.store.SetHooks(backend.Hooks{
		BeforeInsert: func(context.Context) error {
			return syncerr.Remote("insert message", errors.New("connection reset"))
		},
	})

	sub, err := f.coord.Send(f.chat.ID, f.me.ID, "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := waitFor(t, sub); !errors.Is(err, syncerr.ErrRemote) {
		t.Fatalf("expected remote error, got %v", err)
	}

	entry, ok := f.merger.Get(sub.PendingID)
	if !ok || entry.State != timeline.StateFailed {
		t.Fatalf("expected failed entry to remain, got %+v (found=%v)", entry, ok)
	}
	if f.merger.Len() != 1 {
		t.Fatalf("expected length unchanged, got %d", f.merger.Len())
	}
	if got := f.kinds(); len(got) != 2 || got[1] != EventFailed {
		t.Fatalf("unexpected events: %v", got)
	}

	f.store.SetHooks(backend.Hooks{})
	retry, err := f.coord.Retry(sub.PendingID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	row, err := waitFor(t, retry)
	if err != nil {
		t.Fatalf("wait retry: %v", err)
	}
	snap := f.merger.Snapshot()
	if len(snap) != 1 || snap[0].ID != row.ID || snap[0].IsPending() {
		t.Fatalf("expected retried send to be confirmed, got %+v", snap)
	}
}

func TestRetryRequiresFailedEntry(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.coord.Retry("pending-missing"); !errors.Is(err, syncerr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDiscard(t *testing.T) {
	f := newFixture(t, nil)
	release := make(chan struct{})
	f.store.SetHooks(backend.Hooks{
		BeforeInsert: func(context.Context) error {
			<-release
			return syncerr.Remote("insert message", errors.New("timeout"))
		},
	})

	sub, err := f.coord.Send(f.chat.ID, f.me.ID, "draft")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := f.coord.Discard(sub.PendingID); !errors.Is(err, syncerr.ErrSendInFlight) {
		t.Fatalf("expected in-flight discard to be refused, got %v", err)
	}

	close(release)
	_, _ = waitFor(t, sub)
	if err := f.coord.Discard(sub.PendingID); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if f.merger.Len() != 0 {
		t.Fatalf("expected timeline to be empty, got %d", f.merger.Len())
	}
}

func TestCloseDiscardsLateResult(t *testing.T) {
	f := newFixture(t, nil)
	entered := make(chan struct{})
	f.store.SetHooks(backend.Hooks{
		BeforeInsert: func(ctx context.Context) error {
			close(entered)
			<-ctx.Done()
			return ctx.Err()
		},
	})

	sub, err := f.coord.Send(f.chat.ID, f.me.ID, "bye")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	<-entered
	f.coord.Close()

	if _, err := waitFor(t, sub); !errors.Is(err, syncerr.ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	entry, ok := f.merger.Get(sub.PendingID)
	if !ok || entry.State != timeline.StatePending {
		t.Fatalf("expected placeholder to be left untouched, got %+v (found=%v)", entry, ok)
	}
	if _, err := f.coord.Send(f.chat.ID, f.me.ID, "again"); !errors.Is(err, syncerr.ErrClosed) {
		t.Fatalf("expected closed coordinator to refuse sends, got %v", err)
	}
}

func TestSendPrewarmsCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := cache.NewMessages(client, "test", time.Minute)

	f := newFixture(t, c)
	sub, err := f.coord.Send(f.chat.ID, f.me.ID, "cached")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	row, err := waitFor(t, sub)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	got, ok, err := c.Get(context.Background(), row.ID)
	if err != nil || !ok || got.Content != "cached" {
		t.Fatalf("expected row in cache, got %+v ok=%v err=%v", got, ok, err)
	}
}
