package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jinkaiteo/scientific-protocol-builder-sub000/backend/internal/collab"
)

// 心跳写入 Redis 的存活时长
const presenceTTL = 600 * time.Second

type Conn struct {
	ws  *websocket.Conn
	hub *Hub

	docID        string
	userID       string
	connectionID string
	displayName  string

	send chan ServerMessage

	svc collab.Service
	sem *collab.SemaphoreControl
}

func NewConn(ws *websocket.Conn, hub *Hub, connectionID string, svc collab.Service, sem *collab.SemaphoreControl) *Conn {
	return &Conn{
		ws:           ws,
		hub:          hub,
		connectionID: connectionID,
		send:         make(chan ServerMessage, 32),
		svc:          svc,
		sem:          sem,
	}
}

// enqueue 非阻塞入队；慢消费者的队列满了就丢，不拖垮广播
func (c *Conn) enqueue(msg ServerMessage) {
	select {
	case c.send <- msg:
	default:
	}
}

func (c *Conn) fail(err error) {
	c.enqueue(ServerMessage{Type: "error", Code: err.Error()})
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		// 连接断开等价于 leave 消息永远不会到：强制离会，锁随之释放
		c.forceLeave(ctx)
		close(c.send)
	}()

	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			log.Printf("read json error (user=%s, doc=%s): %v", c.userID, c.docID, err)
			return
		}

		switch msg.Type {
		case "join":
			c.handleJoin(ctx, msg)

		case "leave":
			c.handleLeave(ctx, msg)

		case "operation":
			c.handleOperation(ctx, msg)

		case "lock_element":
			res, err := c.svc.LockElement(ctx, msg.DocID, msg.ElementID, msg.UserID)
			if err != nil {
				c.fail(err)
				continue
			}
			c.enqueue(ServerMessage{
				Type:      "lock_result",
				DocID:     msg.DocID,
				ElementID: msg.ElementID,
				Success:   &res.Success,
				LockedBy:  res.LockedBy,
			})

		case "unlock_element":
			if err := c.svc.UnlockElement(ctx, msg.DocID, msg.ElementID, msg.UserID); err != nil {
				c.fail(err)
				continue
			}
			ok := true
			c.enqueue(ServerMessage{Type: "lock_result", DocID: msg.DocID, ElementID: msg.ElementID, Success: &ok})

		case "presence_update":
			c.handlePresenceUpdate(ctx, msg)

		case "session_info":
			info, err := c.svc.SessionInfo(ctx, msg.DocID)
			if err != nil {
				c.fail(err)
				continue
			}
			c.enqueue(ServerMessage{Type: "session_info", DocID: msg.DocID, Info: info})

		case "heartbeat":
			if c.hub.presence != nil && c.docID != "" {
				if err := c.hub.presence.AddMember(ctx, c.docID, c.userID, c.displayName, presenceTTL); err != nil {
					log.Printf("presence heartbeat error: %v", err)
				}
			}
			c.enqueue(ServerMessage{Type: "feedback", Content: "heartbeat received"})

		default:
			c.enqueue(ServerMessage{Type: "ignored", Content: "unknown message type"})
		}
	}
}

func (c *Conn) handleJoin(ctx context.Context, msg ClientMessage) {
	res, err := c.svc.Join(ctx, msg.DocID, msg.UserID, collab.UserInfo{
		ConnectionID: c.connectionID,
		DisplayName:  msg.DisplayName,
		Avatar:       msg.Avatar,
	})
	if err != nil {
		c.fail(err)
		return
	}

	// 换房间要先把旧房间退干净
	if c.docID != "" && c.docID != msg.DocID {
		c.hub.Leave(c.docID, c)
	}
	c.docID = msg.DocID
	c.userID = msg.UserID
	c.displayName = msg.DisplayName
	c.hub.Join(msg.DocID, c)

	if c.hub.presence != nil {
		if err := c.hub.presence.AddMember(ctx, msg.DocID, msg.UserID, msg.DisplayName, presenceTTL); err != nil {
			log.Printf("presence mirror error: %v", err)
		}
	}

	c.enqueue(ServerMessage{
		Type:           "join_ack",
		DocID:          msg.DocID,
		SessionID:      res.SessionID,
		Version:        res.Version,
		ConnectedUsers: res.ConnectedUsers,
	})
	c.hub.BroadcastPresence(msg.DocID, res.ConnectedUsers)
}

func (c *Conn) handleLeave(ctx context.Context, msg ClientMessage) {
	roster, err := c.svc.Leave(ctx, msg.DocID, msg.UserID, c.connectionID)
	if err != nil {
		c.fail(err)
		return
	}
	c.hub.Leave(msg.DocID, c)
	if c.hub.presence != nil {
		_ = c.hub.presence.RemoveMember(ctx, msg.DocID, msg.UserID)
	}
	if c.docID == msg.DocID {
		c.docID = ""
	}
	c.hub.BroadcastPresence(msg.DocID, roster)
}

func (c *Conn) handleOperation(ctx context.Context, msg ClientMessage) {
	if msg.Op == nil {
		c.fail(errors.New("MISSING_OPERATION"))
		return
	}

	submitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	if err := c.sem.Acquire(submitCtx); err != nil {
		c.fail(err)
		return
	}
	defer func() { _ = c.sem.Release() }()

	applied, err := c.svc.Submit(submitCtx, msg.DocID, *msg.Op, msg.UserID)
	if err != nil {
		c.fail(err)
		return
	}
	if applied == nil {
		// 操作被并发 move 取消：告知发送方即可，没有可广播的状态
		c.enqueue(ServerMessage{Type: "op_cancelled", DocID: msg.DocID, OperationID: msg.Op.ID})
		return
	}
	c.hub.BroadcastAppliedOp(msg.DocID, applied)
}

func (c *Conn) handlePresenceUpdate(ctx context.Context, msg ClientMessage) {
	roster, err := c.svc.UpdatePresence(ctx, msg.DocID, msg.UserID, msg.Cursor, msg.Selection)
	if err != nil {
		c.fail(err)
		return
	}
	if c.hub.presence != nil && msg.Cursor != nil {
		if b, err := json.Marshal(msg.Cursor); err == nil {
			_ = c.hub.presence.SetCursor(ctx, msg.DocID, msg.UserID, b, presenceTTL)
		}
	}
	c.hub.BroadcastPresence(msg.DocID, roster)
}

// forceLeave 连接关闭时的兜底离会（网络断开、客户端崩溃）
func (c *Conn) forceLeave(ctx context.Context) {
	if c.docID == "" {
		return
	}
	roster, err := c.svc.Leave(ctx, c.docID, c.userID, c.connectionID)
	if err != nil {
		log.Printf("force leave error (user=%s, doc=%s): %v", c.userID, c.docID, err)
	}
	c.hub.Leave(c.docID, c)
	if c.hub.presence != nil && c.userID != "" {
		_ = c.hub.presence.RemoveMember(context.WithoutCancel(ctx), c.docID, c.userID)
	}
	if roster != nil {
		c.hub.BroadcastPresence(c.docID, roster)
	}
}

func (c *Conn) writeLoop() {
	// 持续消费发送队列直到连接收尾
	for msg := range c.send {
		_ = c.ws.WriteJSON(msg)
	}
}
