package ws

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jinkaiteo/scientific-protocol-builder-sub000/backend/internal/collab"
)

// 全局的 WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	h   *Hub
	svc collab.Service
	sem *collab.SemaphoreControl
}

func NewManager(h *Hub, svc collab.Service, sem *collab.SemaphoreControl) *Manager {
	return &Manager{h: h, svc: svc, sem: sem}
}

// WebSocketConnect 把 HTTP 请求升级成协作会话连接。
// 身份在后续的 join 消息里给出；这里只分配传输层的 connectionId。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	connectionID := uuid.NewString()
	wsConn := NewConn(conn, m.h, connectionID, m.svc, m.sem)

	// 先起写循环，保证 welcome 之后写入 send 的消息都能发出去
	go wsConn.writeLoop()
	wsConn.send <- ServerMessage{Type: "welcome", Content: connectionID}

	// 读循环阻塞到连接关闭
	wsConn.readLoop(c.Request.Context())
}
