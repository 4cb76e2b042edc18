package ws

import (
	"sync"

	"github.com/jinkaiteo/scientific-protocol-builder-sub000/backend/internal/cache"
	"github.com/jinkaiteo/scientific-protocol-builder-sub000/backend/internal/collab"
	"github.com/jinkaiteo/scientific-protocol-builder-sub000/backend/internal/ot"
)

// Hub 管理文档房间：docID -> 连接集合。
// 房间里存连接而不是 userId——同一用户可能开多个标签页，广播要逐连接发。
type Hub struct {
	// Redis 在线状态镜像，跨实例可见；nil 表示纯单机模式
	presence cache.PresenceCache

	mu    sync.RWMutex
	rooms map[string]map[*Conn]struct{}
}

func NewHub(p cache.PresenceCache) *Hub {
	return &Hub{presence: p, rooms: make(map[string]map[*Conn]struct{})}
}

// Join 将连接加入指定文档房间
func (h *Hub) Join(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		h.rooms[docID] = make(map[*Conn]struct{})
	}
	h.rooms[docID][c] = struct{}{}
}

// Leave 将连接从指定文档房间移除
func (h *Hub) Leave(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[docID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, docID)
		}
	}
}

// BroadcastAppliedOp 把已应用（可能被变换过的）操作广播给全房间，
// 包括发送者本人——它要据此对账自己的操作被改写成了什么。
func (h *Hub) BroadcastAppliedOp(docID string, applied *ot.AppliedOperation) {
	h.broadcast(docID, ServerMessage{
		Type:    "op_applied",
		DocID:   docID,
		Version: applied.Version,
		Applied: applied,
	})
}

// BroadcastPresence 广播最新在线名单（join/leave/presence_update 之后）
func (h *Hub) BroadcastPresence(docID string, roster []collab.UserPresence) {
	h.broadcast(docID, ServerMessage{
		Type:           "presence",
		DocID:          docID,
		ConnectedUsers: roster,
	})
}

func (h *Hub) broadcast(docID string, msg ServerMessage) {
	h.mu.RLock()
	conns := h.rooms[docID]
	h.mu.RUnlock()
	for c := range conns {
		c.enqueue(msg)
	}
}
