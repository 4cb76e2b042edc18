package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jinkaiteo/scientific-protocol-builder-sub000/backend/internal/ot"
)

func newTestService() *InMemoryService {
	return NewInMemoryService(NewSessionRegistry(0), nil, nil)
}

func join(t *testing.T, svc *InMemoryService, docID, userID, connID string) *JoinResult {
	t.Helper()
	res, err := svc.Join(context.Background(), docID, userID, UserInfo{
		ConnectionID: connID,
		DisplayName:  "User " + userID,
	})
	if err != nil {
		t.Fatalf("Join(%s, %s) error = %v", docID, userID, err)
	}
	return res
}

func insertOp(el string, pos, length int, base uint64) ot.Operation {
	return ot.Operation{ID: "op-" + el, Type: ot.OpInsert, ElementID: el, Position: pos, Length: length, BaseVersion: base}
}

func TestJoinCreatesSession(t *testing.T) {
	svc := newTestService()
	res := join(t, svc, "p1", "alice", "c1")

	if res.SessionID != "p1" {
		t.Fatalf("SessionID = %s, want p1", res.SessionID)
	}
	if res.Version != 0 {
		t.Fatalf("Version = %d, want 0", res.Version)
	}
	if len(res.ConnectedUsers) != 1 || res.ConnectedUsers[0].UserID != "alice" {
		t.Fatalf("roster = %+v, want exactly alice", res.ConnectedUsers)
	}
}

func TestRejoinReplacesPresence(t *testing.T) {
	svc := newTestService()
	join(t, svc, "p1", "alice", "c1")
	// 模拟重连：同一 userId 再次 join，名单里必须仍然只有一条
	res := join(t, svc, "p1", "alice", "c2")

	if len(res.ConnectedUsers) != 1 {
		t.Fatalf("roster has %d entries, want 1", len(res.ConnectedUsers))
	}
	if res.ConnectedUsers[0].ConnectionID != "c2" {
		t.Fatalf("ConnectionID = %s, want c2 (replaced)", res.ConnectedUsers[0].ConnectionID)
	}
}

func TestSubmitSessionNotFound(t *testing.T) {
	svc := newTestService()
	_, err := svc.Submit(context.Background(), "nope", insertOp("b1", 0, 1, 0), "alice")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Submit() error = %v, want ErrSessionNotFound", err)
	}
}

func TestSubmitFastPath(t *testing.T) {
	svc := newTestService()
	join(t, svc, "p1", "alice", "c1")

	applied, err := svc.Submit(context.Background(), "p1", insertOp("b1", 0, 1, 0), "alice")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if applied.Version != 1 {
		t.Fatalf("Version = %d, want 1", applied.Version)
	}
	if applied.Position != 0 {
		t.Fatalf("fast path must not transform, Position = %d", applied.Position)
	}
	if applied.UserID != "alice" || applied.AppliedAt.IsZero() {
		t.Fatalf("applied metadata missing: %+v", applied)
	}
}

func TestEndToEndStaleDelete(t *testing.T) {
	// A、B 同时在 version 0：A 的 insert 先落为 version 1，
	// B 仍按 base=0 提交 delete@0，必须被变换成 delete@1 并落为 version 2
	svc := newTestService()
	join(t, svc, "p1", "alice", "c1")
	join(t, svc, "p1", "bob", "c2")

	a, err := svc.Submit(context.Background(), "p1", insertOp("b1", 0, 1, 0), "alice")
	if err != nil || a.Version != 1 {
		t.Fatalf("alice Submit() = %+v, %v", a, err)
	}

	del := ot.Operation{ID: "op-del", Type: ot.OpDelete, ElementID: "b1", Position: 0, Length: 1, BaseVersion: 0}
	b, err := svc.Submit(context.Background(), "p1", del, "bob")
	if err != nil {
		t.Fatalf("bob Submit() error = %v", err)
	}
	if b.Version != 2 {
		t.Fatalf("Version = %d, want 2", b.Version)
	}
	if b.Position != 1 {
		t.Fatalf("Position = %d, want 1 (shifted past alice's insert)", b.Position)
	}
}

func TestVersionMonotonicityConcurrent(t *testing.T) {
	svc := newTestService()
	join(t, svc, "p1", "alice", "c1")

	const n = 64
	versions := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			applied, err := svc.Submit(context.Background(), "p1", insertOp("b1", 0, 1, 0), "alice")
			if err != nil {
				t.Errorf("Submit() error = %v", err)
				return
			}
			versions <- applied.Version
		}()
	}
	wg.Wait()
	close(versions)

	seen := make(map[uint64]bool)
	for v := range versions {
		if seen[v] {
			t.Fatalf("version %d assigned twice", v)
		}
		seen[v] = true
	}
	for v := uint64(1); v <= n; v++ {
		if !seen[v] {
			t.Fatalf("version %d missing, sequence must be gapless", v)
		}
	}

	info, err := svc.SessionInfo(context.Background(), "p1")
	if err != nil {
		t.Fatalf("SessionInfo() error = %v", err)
	}
	if info.Version != n {
		t.Fatalf("session version = %d, want %d", info.Version, n)
	}
}

func TestSubmitVersionConflict(t *testing.T) {
	svc := newTestService()
	join(t, svc, "p1", "alice", "c1")

	_, err := svc.Submit(context.Background(), "p1", insertOp("b1", 0, 1, 5), "alice")
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("Submit() error = %v, want ErrVersionConflict", err)
	}
}

func TestSubmitStaleBeyondWindow(t *testing.T) {
	// 窗口只留 2 条：落 3 条后 base=0 已不可变换，必须强制重新同步
	svc := NewInMemoryService(NewSessionRegistry(2), nil, nil)
	join(t, svc, "p1", "alice", "c1")

	for i := 0; i < 3; i++ {
		if _, err := svc.Submit(context.Background(), "p1", insertOp("b1", 0, 1, uint64(i)), "alice"); err != nil {
			t.Fatalf("Submit(%d) error = %v", i, err)
		}
	}

	_, err := svc.Submit(context.Background(), "p1", insertOp("b1", 0, 1, 0), "alice")
	if !errors.Is(err, ErrStaleVersion) {
		t.Fatalf("Submit() error = %v, want ErrStaleVersion", err)
	}

	// 窗口内的 base 仍然可用
	if _, err := svc.Submit(context.Background(), "p1", insertOp("b1", 0, 1, 2), "alice"); err != nil {
		t.Fatalf("in-window Submit() error = %v", err)
	}
}

func TestMoveCancelledBySubmit(t *testing.T) {
	svc := newTestService()
	join(t, svc, "p1", "alice", "c1")
	join(t, svc, "p1", "bob", "c2")

	moveA := ot.Operation{ID: "m1", Type: ot.OpMove, ElementID: "b1", OldParent: "p", NewParent: "q", BaseVersion: 0}
	if _, err := svc.Submit(context.Background(), "p1", moveA, "alice"); err != nil {
		t.Fatalf("alice Submit() error = %v", err)
	}

	moveB := ot.Operation{ID: "m2", Type: ot.OpMove, ElementID: "b1", OldParent: "p", NewParent: "r", BaseVersion: 0}
	applied, err := svc.Submit(context.Background(), "p1", moveB, "bob")
	if err != nil {
		t.Fatalf("bob Submit() error = %v", err)
	}
	if applied != nil {
		t.Fatalf("cancelled move returned %+v, want nil", applied)
	}

	// 被取消的操作不占版本号
	info, _ := svc.SessionInfo(context.Background(), "p1")
	if info.Version != 1 {
		t.Fatalf("session version = %d, want 1", info.Version)
	}
}

func TestLockExclusivity(t *testing.T) {
	svc := newTestService()
	join(t, svc, "p1", "alice", "c1")
	join(t, svc, "p1", "bob", "c2")
	ctx := context.Background()

	res, err := svc.LockElement(ctx, "p1", "b1", "alice")
	if err != nil || !res.Success {
		t.Fatalf("alice LockElement() = %+v, %v", res, err)
	}

	res, err = svc.LockElement(ctx, "p1", "b1", "bob")
	if err != nil {
		t.Fatalf("bob LockElement() error = %v", err)
	}
	if res.Success || res.LockedBy != "alice" {
		t.Fatalf("bob LockElement() = %+v, want conflict lockedBy=alice", res)
	}

	// 持有者重复加锁是确认成功
	res, _ = svc.LockElement(ctx, "p1", "b1", "alice")
	if !res.Success {
		t.Fatalf("re-lock by holder must succeed, got %+v", res)
	}

	if err := svc.UnlockElement(ctx, "p1", "b1", "alice"); err != nil {
		t.Fatalf("UnlockElement() error = %v", err)
	}
	res, _ = svc.LockElement(ctx, "p1", "b1", "bob")
	if !res.Success {
		t.Fatalf("bob LockElement() after unlock = %+v, want success", res)
	}
}

func TestUnlockNotHolderIsNoop(t *testing.T) {
	svc := newTestService()
	join(t, svc, "p1", "alice", "c1")
	join(t, svc, "p1", "bob", "c2")
	ctx := context.Background()

	svc.LockElement(ctx, "p1", "b1", "alice")
	// 释放别人的锁静默忽略
	if err := svc.UnlockElement(ctx, "p1", "b1", "bob"); err != nil {
		t.Fatalf("UnlockElement() error = %v", err)
	}
	res, _ := svc.LockElement(ctx, "p1", "b1", "bob")
	if res.Success {
		t.Fatal("alice's lock must survive bob's unlock attempt")
	}
}

func TestLeaveReleasesLocks(t *testing.T) {
	svc := newTestService()
	join(t, svc, "p1", "alice", "c1")
	join(t, svc, "p1", "bob", "c2")
	ctx := context.Background()

	svc.LockElement(ctx, "p1", "b1", "alice")
	if _, err := svc.Leave(ctx, "p1", "alice", "c1"); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}

	res, err := svc.LockElement(ctx, "p1", "b1", "bob")
	if err != nil || !res.Success {
		t.Fatalf("bob LockElement() after alice left = %+v, %v", res, err)
	}
}

func TestLeaveMatchesByConnectionID(t *testing.T) {
	svc := newTestService()
	join(t, svc, "p1", "alice", "c1")
	join(t, svc, "p1", "bob", "c2")

	// 断线路径可能只剩 connectionId 可用
	roster, err := svc.Leave(context.Background(), "p1", "", "c1")
	if err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	if len(roster) != 1 || roster[0].UserID != "bob" {
		t.Fatalf("roster = %+v, want only bob", roster)
	}
}

func TestLastLeaveDestroysSession(t *testing.T) {
	svc := newTestService()
	join(t, svc, "p1", "alice", "c1")

	roster, err := svc.Leave(context.Background(), "p1", "alice", "c1")
	if err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	if len(roster) != 0 {
		t.Fatalf("roster = %+v, want empty", roster)
	}

	_, err = svc.SessionInfo(context.Background(), "p1")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("SessionInfo() error = %v, want ErrSessionNotFound", err)
	}
}

func TestUpdatePresence(t *testing.T) {
	svc := newTestService()
	join(t, svc, "p1", "alice", "c1")

	cursor := map[string]any{"elementId": "b1", "offset": 3}
	roster, err := svc.UpdatePresence(context.Background(), "p1", "alice", cursor, nil)
	if err != nil {
		t.Fatalf("UpdatePresence() error = %v", err)
	}
	if len(roster) != 1 || roster[0].Cursor == nil {
		t.Fatalf("roster = %+v, want alice with cursor", roster)
	}
}

func TestUpdatePresenceDoesNotResurrect(t *testing.T) {
	svc := newTestService()
	join(t, svc, "p1", "alice", "c1")
	join(t, svc, "p1", "bob", "c2")
	svc.Leave(context.Background(), "p1", "alice", "c1")

	roster, err := svc.UpdatePresence(context.Background(), "p1", "alice", map[string]any{"offset": 1}, nil)
	if err != nil {
		t.Fatalf("UpdatePresence() error = %v", err)
	}
	if len(roster) != 1 || roster[0].UserID != "bob" {
		t.Fatalf("roster = %+v, departed alice must not reappear", roster)
	}
}

func TestSessionInfoSnapshot(t *testing.T) {
	svc := newTestService()
	join(t, svc, "p1", "alice", "c1")
	ctx := context.Background()
	svc.LockElement(ctx, "p1", "b1", "alice")
	svc.Submit(ctx, "p1", insertOp("b1", 0, 1, 0), "alice")

	info, err := svc.SessionInfo(ctx, "p1")
	if err != nil {
		t.Fatalf("SessionInfo() error = %v", err)
	}
	if info.ID != "p1" || info.Version != 1 {
		t.Fatalf("snapshot = %+v", info)
	}
	if len(info.Locks) != 1 || info.Locks[0].UserID != "alice" || info.Locks[0].ElementID != "b1" {
		t.Fatalf("locks = %+v", info.Locks)
	}
}

func TestCleanupEvictsIdleSessions(t *testing.T) {
	svc := newTestService()
	join(t, svc, "p1", "alice", "c1")
	join(t, svc, "p2", "bob", "c2")

	// p1 装作闲置了一小时；名单不为空也要被清掉（连接泄漏兜底）
	sess := svc.registry.get("p1")
	sess.mu.Lock()
	sess.lastActivityAt = time.Now().Add(-time.Hour)
	sess.mu.Unlock()

	removed := svc.Cleanup(context.Background(), 30*time.Minute)
	if removed != 1 {
		t.Fatalf("Cleanup() = %d, want 1", removed)
	}

	if _, err := svc.SessionInfo(context.Background(), "p1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("p1 must be gone, got err = %v", err)
	}
	if _, err := svc.SessionInfo(context.Background(), "p2"); err != nil {
		t.Fatalf("p2 must survive, got err = %v", err)
	}
}

func TestJoinAfterCleanupRecreates(t *testing.T) {
	svc := newTestService()
	join(t, svc, "p1", "alice", "c1")

	sess := svc.registry.get("p1")
	sess.mu.Lock()
	sess.lastActivityAt = time.Now().Add(-time.Hour)
	sess.mu.Unlock()
	svc.Cleanup(context.Background(), 30*time.Minute)

	res := join(t, svc, "p1", "alice", "c3")
	if res.Version != 0 {
		t.Fatalf("recreated session version = %d, want 0", res.Version)
	}
}

func TestSubmitGeneratesOperationID(t *testing.T) {
	svc := newTestService()
	join(t, svc, "p1", "alice", "c1")

	op := ot.Operation{Type: ot.OpInsert, ElementID: "b1", Position: 0, Length: 1, BaseVersion: 0}
	applied, err := svc.Submit(context.Background(), "p1", op, "alice")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if applied.ID == "" {
		t.Fatal("server must assign an operation id when the client omits one")
	}
}

func TestSubmitRejectsInvalidOperation(t *testing.T) {
	svc := newTestService()
	join(t, svc, "p1", "alice", "c1")

	op := ot.Operation{Type: ot.OpInsert, ElementID: "b1", Position: -1, BaseVersion: 0}
	if _, err := svc.Submit(context.Background(), "p1", op, "alice"); err == nil {
		t.Fatal("Submit() must reject negative position")
	}
}
