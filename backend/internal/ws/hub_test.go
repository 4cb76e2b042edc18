package ws

import (
	"testing"

	"github.com/jinkaiteo/scientific-protocol-builder-sub000/backend/internal/collab"
	"github.com/jinkaiteo/scientific-protocol-builder-sub000/backend/internal/ot"
)

func newTestConn() *Conn {
	// 不挂真实 websocket：只要 send 队列就能验证路由
	return &Conn{send: make(chan ServerMessage, 8)}
}

func TestHubBroadcastToRoomOnly(t *testing.T) {
	h := NewHub(nil)
	c1 := newTestConn()
	c2 := newTestConn()
	c3 := newTestConn()
	h.Join("p1", c1)
	h.Join("p1", c2)
	h.Join("p2", c3)

	applied := &ot.AppliedOperation{
		Operation: ot.Operation{ID: "op1", Type: ot.OpInsert, ElementID: "b1", Length: 1},
		UserID:    "alice",
		Version:   1,
	}
	h.BroadcastAppliedOp("p1", applied)

	for i, c := range []*Conn{c1, c2} {
		select {
		case msg := <-c.send:
			if msg.Type != "op_applied" || msg.Applied == nil || msg.Applied.ID != "op1" {
				t.Fatalf("conn %d got %+v", i, msg)
			}
		default:
			t.Fatalf("conn %d in room p1 received nothing", i)
		}
	}
	select {
	case msg := <-c3.send:
		t.Fatalf("conn in p2 must not receive p1 broadcast, got %+v", msg)
	default:
	}
}

func TestHubLeaveStopsDelivery(t *testing.T) {
	h := NewHub(nil)
	c1 := newTestConn()
	h.Join("p1", c1)
	h.Leave("p1", c1)

	h.BroadcastPresence("p1", []collab.UserPresence{{UserID: "alice"}})
	select {
	case msg := <-c1.send:
		t.Fatalf("left conn received %+v", msg)
	default:
	}
}

func TestConnEnqueueDropsWhenFull(t *testing.T) {
	c := &Conn{send: make(chan ServerMessage, 1)}
	c.enqueue(ServerMessage{Type: "a"})
	// 队列满时丢弃而不是阻塞广播
	c.enqueue(ServerMessage{Type: "b"})

	msg := <-c.send
	if msg.Type != "a" {
		t.Fatalf("got %s, want a", msg.Type)
	}
	select {
	case msg := <-c.send:
		t.Fatalf("unexpected second message %+v", msg)
	default:
	}
}
