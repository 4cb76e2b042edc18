package cache

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func newTestPresence(t *testing.T) (PresenceCache, *redis.Client) {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	// 若 Redis 未启动则跳过
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	return NewRedisPresence(rdb), rdb
}

func TestPresenceAddAndList(t *testing.T) {
	p, rdb := newTestPresence(t)
	ctx := context.Background()
	docID := "test-doc-presence"
	defer rdb.Del(ctx, roomKey(docID), namesKey(docID),
		memberKey(docID, "alice"), memberKey(docID, "bob"))

	if err := p.AddMember(ctx, docID, "alice", "Alice", 10*time.Second); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	if err := p.AddMember(ctx, docID, "bob", "Bob", 10*time.Second); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}

	members, err := p.GetAliveMembersWithNames(ctx, docID)
	if err != nil {
		t.Fatalf("GetAliveMembersWithNames() error = %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("got %d members, want 2", len(members))
	}
	names := map[string]string{}
	for _, m := range members {
		names[m.UserID] = m.DisplayName
	}
	if names["alice"] != "Alice" || names["bob"] != "Bob" {
		t.Fatalf("names = %v", names)
	}
}

func TestPresenceRemoveMember(t *testing.T) {
	p, rdb := newTestPresence(t)
	ctx := context.Background()
	docID := "test-doc-remove"
	defer rdb.Del(ctx, roomKey(docID), namesKey(docID), memberKey(docID, "alice"))

	if err := p.AddMember(ctx, docID, "alice", "Alice", 10*time.Second); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	if err := p.RemoveMember(ctx, docID, "alice"); err != nil {
		t.Fatalf("RemoveMember() error = %v", err)
	}

	members, err := p.GetAliveMembersWithNames(ctx, docID)
	if err != nil {
		t.Fatalf("GetAliveMembersWithNames() error = %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("got %d members after remove, want 0", len(members))
	}
}

func TestPresenceCursorRoundtrip(t *testing.T) {
	p, rdb := newTestPresence(t)
	ctx := context.Background()
	docID := "test-doc-cursor"
	defer rdb.Del(ctx, cursorKey(docID, "alice"))

	payload := []byte(`{"elementId":"b1","offset":3}`)
	if err := p.SetCursor(ctx, docID, "alice", payload, 10*time.Second); err != nil {
		t.Fatalf("SetCursor() error = %v", err)
	}
	got, err := p.GetCursor(ctx, docID, "alice")
	if err != nil {
		t.Fatalf("GetCursor() error = %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("GetCursor() = %s, want %s", got, payload)
	}
}
