package chatlist

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"periskope/chatsync/internal/models"
	"periskope/chatsync/internal/syncerr"
)

func at(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func chat(id string, last *time.Time) models.ChatWithRelations {
	return models.ChatWithRelations{Chat: models.Chat{ID: id, LastMessageAt: last}}
}

func order(a *Aggregator) string {
	var ids []string
	for _, c := range a.Snapshot() {
		ids = append(ids, c.ID)
	}
	return fmt.Sprint(ids)
}

func assertRanked(t *testing.T, a *Aggregator) {
	t.Helper()
	chats := a.Snapshot()
	seen := make(map[string]bool)
	for i := range chats {
		if seen[chats[i].ID] {
			t.Fatalf("duplicate chat %s", chats[i].ID)
		}
		seen[chats[i].ID] = true
		if i > 0 && !ranksBefore(&chats[i-1], &chats[i]) {
			t.Fatalf("list out of rank order: %s", order(a))
		}
	}
}

func TestLoadRanksNullsLast(t *testing.T) {
	a := NewAggregator(nil)
	a.Load([]models.ChatWithRelations{
		chat("null-b", nil),
		chat("old", at("2023-06-01T00:00:00Z")),
		chat("null-a", nil),
		chat("new", at("2024-01-01T00:00:00Z")),
		chat("tie-b", at("2023-06-01T00:00:00Z")),
	})
	if got := order(a); got != "[new old tie-b null-a null-b]" {
		t.Fatalf("unexpected order %s", got)
	}
	assertRanked(t, a)
}

func TestLoadDedupesKeepingHigherRank(t *testing.T) {
	a := NewAggregator(nil)
	a.Load([]models.ChatWithRelations{
		chat("c1", at("2023-01-01T00:00:00Z")),
		chat("c1", at("2024-01-01T00:00:00Z")),
		chat("c2", nil),
	})
	if a.Len() != 2 {
		t.Fatalf("expected 2 chats, got %s", order(a))
	}
	c, _ := a.Get("c1")
	if !c.LastMessageAt.Equal(*at("2024-01-01T00:00:00Z")) {
		t.Fatalf("expected newer copy kept, got %v", c.LastMessageAt)
	}
}

func TestMessageEventMovesNullChatToTop(t *testing.T) {
	a := NewAggregator(nil)
	a.Load([]models.ChatWithRelations{chat("empty", nil), chat("dated", at("2024-01-01T00:00:00Z"))})
	if got := order(a); got != "[dated empty]" {
		t.Fatalf("expected dated chat first, got %s", got)
	}

	msg := models.MessageWithSender{
		Message: models.Message{ID: "m1", ChatID: "empty", SenderID: "u2", Content: "hello", CreatedAt: *at("2024-02-01T00:00:00Z")},
		Sender:  models.UserSummary{ID: "u2", Name: "Bob"},
	}
	changed, err := a.OnMessageEvent("empty", msg)
	if err != nil || !changed {
		t.Fatalf("event: changed=%v err=%v", changed, err)
	}
	if got := order(a); got != "[empty dated]" {
		t.Fatalf("expected empty chat moved to top, got %s", got)
	}
	c, _ := a.Get("empty")
	if *c.LastMessage != "hello" || *c.LastMessageBy != "u2" || *c.LastMessageByName != "Bob" {
		t.Fatalf("denormalized fields not updated: %+v", c.Chat)
	}
}

func TestMessageEventIgnoresStaleAndUnknown(t *testing.T) {
	a := NewAggregator(nil)
	a.Load([]models.ChatWithRelations{chat("c1", at("2024-01-02T00:00:00Z")), chat("c2", at("2024-01-01T00:00:00Z"))})

	stale := models.MessageWithSender{Message: models.Message{ID: "old", ChatID: "c2", Content: "late", CreatedAt: *at("2023-12-31T00:00:00Z")}}
	changed, err := a.OnMessageEvent("c2", stale)
	if err != nil || changed {
		t.Fatalf("stale event should be ignored: changed=%v err=%v", changed, err)
	}
	if got := order(a); got != "[c1 c2]" {
		t.Fatalf("order changed on stale event: %s", got)
	}

	if _, err := a.OnMessageEvent("missing", models.MessageWithSender{}); !errors.Is(err, syncerr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	wrong := models.MessageWithSender{Message: models.Message{ChatID: "c1"}}
	if _, err := a.OnMessageEvent("c2", wrong); !errors.Is(err, syncerr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUpsertAndSnapshotIsolation(t *testing.T) {
	a := NewAggregator(nil)
	a.Load([]models.ChatWithRelations{chat("c1", at("2024-01-01T00:00:00Z"))})
	a.Upsert(chat("c2", at("2024-03-01T00:00:00Z")))
	a.Upsert(chat("c1", at("2024-04-01T00:00:00Z")))
	if got := order(a); got != "[c1 c2]" {
		t.Fatalf("unexpected order %s", got)
	}

	snap := a.Snapshot()
	snap[0].ID = "mutated"
	if got := order(a); got != "[c1 c2]" {
		t.Fatalf("snapshot shares state: %s", got)
	}
}

func TestConcurrentEventsKeepInvariants(t *testing.T) {
	a := NewAggregator(nil)
	var seed []models.ChatWithRelations
	for i := 0; i < 20; i++ {
		seed = append(seed, chat(fmt.Sprintf("c%02d", i), nil))
	}
	a.Load(seed)

	base := *at("2024-01-01T00:00:00Z")
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := fmt.Sprintf("c%02d", (i*7+w)%20)
				msg := models.MessageWithSender{Message: models.Message{
					ID: fmt.Sprintf("m%d-%d", w, i), ChatID: id, Content: "x",
					CreatedAt: base.Add(time.Duration(i*4+w) * time.Second),
				}}
				_, _ = a.OnMessageEvent(id, msg)
				_ = a.Views("u1")
			}
		}(w)
	}
	wg.Wait()
	if a.Len() != 20 {
		t.Fatalf("expected 20 chats, got %d", a.Len())
	}
	assertRanked(t, a)
}
