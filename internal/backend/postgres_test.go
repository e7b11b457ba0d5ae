package backend

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"periskope/chatsync/internal/syncerr"

	"github.com/jackc/pgx/v5/pgconn"
)

func newTestSub(l *listener, channel string, fn InsertHandler) *pgSubscription {
	if fn == nil {
		fn = func(string) {}
	}
	return &pgSubscription{owner: l, channel: channel, fn: fn, ready: make(chan struct{})}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestRegistryListensOnceAndUnlistensWithLastSubscriber(t *testing.T) {
	r := newRegistry()
	a1 := newTestSub(nil, "messages:a", nil)
	a2 := newTestSub(nil, "messages:a", nil)
	b := newTestSub(nil, "messages:b", nil)

	if !r.add(a1) {
		t.Fatalf("first subscriber of a should report first")
	}
	if r.add(a2) {
		t.Fatalf("second subscriber of a should not report first")
	}
	if !r.add(b) {
		t.Fatalf("first subscriber of b should report first")
	}

	listening := map[string]bool{}
	listen, unlisten := r.diff(listening)
	if !reflect.DeepEqual(listen, []string{"messages:a", "messages:b"}) || len(unlisten) != 0 {
		t.Fatalf("unexpected diff listen=%v unlisten=%v", listen, unlisten)
	}

	listening["messages:a"] = true
	r.markReady(listening)
	if !isClosed(a1.ready) || !isClosed(a2.ready) {
		t.Fatalf("subscribers of a listened channel should be ready")
	}
	if isClosed(b.ready) {
		t.Fatalf("b is not listened yet")
	}
	listening["messages:b"] = true
	r.markReady(listening)
	r.markReady(listening)
	if !isClosed(b.ready) {
		t.Fatalf("b should be ready")
	}

	if r.remove(a1) {
		t.Fatalf("a still has a subscriber")
	}
	if listen, unlisten := r.diff(listening); len(listen) != 0 || len(unlisten) != 0 {
		t.Fatalf("expected no change, got listen=%v unlisten=%v", listen, unlisten)
	}
	if !r.remove(a2) {
		t.Fatalf("a2 was the last subscriber of a")
	}
	if r.remove(a2) {
		t.Fatalf("removing twice should be a no-op")
	}
	listen, unlisten = r.diff(listening)
	if len(listen) != 0 || !reflect.DeepEqual(unlisten, []string{"messages:a"}) {
		t.Fatalf("unexpected diff listen=%v unlisten=%v", listen, unlisten)
	}
	if got := r.targets("messages:b"); len(got) != 1 || got[0] != b {
		t.Fatalf("unexpected targets for b: %v", got)
	}
	if got := r.targets("messages:a"); len(got) != 0 {
		t.Fatalf("a should have no targets, got %d", len(got))
	}
}

func TestRegistryFailPendingKeepsReadySubscribers(t *testing.T) {
	r := newRegistry()
	ready := newTestSub(nil, "messages:a", nil)
	pending := newTestSub(nil, "messages:b", nil)
	r.add(ready)
	r.markReady(map[string]bool{"messages:a": true})
	r.add(pending)

	boom := syncerr.Remote("connect change feed", errors.New("refused"))
	r.failPending(boom)

	if !isClosed(pending.ready) || !errors.Is(pending.err, syncerr.ErrRemote) {
		t.Fatalf("pending subscriber should be released with the error, got %v", pending.err)
	}
	if ready.err != nil {
		t.Fatalf("ready subscriber should be untouched, got %v", ready.err)
	}
	listen, unlisten := r.diff(map[string]bool{"messages:a": true})
	if len(listen) != 0 || len(unlisten) != 0 {
		t.Fatalf("failed subscriber should leave no channel behind, got listen=%v unlisten=%v", listen, unlisten)
	}
}

func TestListenerDispatchesByChannel(t *testing.T) {
	l := newListener(nil, nil)
	var gotA, gotB []string
	a := newTestSub(l, "messages:a", func(id string) { gotA = append(gotA, id) })
	b := newTestSub(l, "messages:b", func(id string) { gotB = append(gotB, id) })
	l.reg.add(a)
	l.reg.add(b)

	l.dispatch(&pgconn.Notification{Channel: "messages:a", Payload: `{"id":"m1"}`})
	l.dispatch(&pgconn.Notification{Channel: "messages:a", Payload: `not json`})
	l.dispatch(&pgconn.Notification{Channel: "messages:c", Payload: `{"id":"m9"}`})

	if !reflect.DeepEqual(gotA, []string{"m1", ""}) {
		t.Fatalf("unexpected deliveries on a: %v", gotA)
	}
	if len(gotB) != 0 {
		t.Fatalf("b should receive nothing, got %v", gotB)
	}

	a.Unsubscribe()
	a.Unsubscribe()
	l.dispatch(&pgconn.Notification{Channel: "messages:a", Payload: `{"id":"m2"}`})
	if len(gotA) != 2 {
		t.Fatalf("no delivery after unsubscribe, got %v", gotA)
	}
	if !l.dirty {
		t.Fatalf("removing the last subscriber should schedule an UNLISTEN")
	}
	if len(l.reg.targets("messages:a")) != 0 {
		t.Fatalf("unsubscribed subscriber still registered")
	}
}

func TestListenerSubscribeAfterClose(t *testing.T) {
	l := newListener(nil, nil)
	l.close()

	_, err := l.subscribe(context.Background(), "messages:a", func(string) {})
	if !errors.Is(err, syncerr.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	err := classify("fetch chat", &pgconn.PgError{Code: "22P02", Message: "invalid input syntax for type uuid"})
	if !errors.Is(err, syncerr.ErrValidation) {
		t.Fatalf("expected ErrValidation for 22P02, got %v", err)
	}
	if errors.Is(err, syncerr.ErrRemote) {
		t.Fatalf("22P02 should not be remote: %v", err)
	}

	err = classify("fetch chat", &pgconn.PgError{Code: "57014", Message: "canceling statement"})
	if !errors.Is(err, syncerr.ErrRemote) {
		t.Fatalf("expected ErrRemote for other server errors, got %v", err)
	}

	cause := errors.New("connection reset")
	err = classify("fetch chat", cause)
	if !errors.Is(err, syncerr.ErrRemote) || !errors.Is(err, cause) {
		t.Fatalf("expected ErrRemote wrapping the cause, got %v", err)
	}
}
