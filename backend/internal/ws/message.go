package ws

import (
	"github.com/jinkaiteo/scientific-protocol-builder-sub000/backend/internal/collab"
	"github.com/jinkaiteo/scientific-protocol-builder-sub000/backend/internal/ot"
)

// 客户端入站消息。type 取值：
// join / leave / operation / lock_element / unlock_element /
// presence_update / session_info / heartbeat
type ClientMessage struct {
	Type        string `json:"type"`
	DocID       string `json:"docId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
	ElementID   string `json:"elementId,omitempty"`
	Cursor      any    `json:"cursor,omitempty"`
	Selection   any    `json:"selection,omitempty"`

	Op *ot.Operation `json:"operation,omitempty"`
}

// 服务端出站消息，按 type 选填字段
type ServerMessage struct {
	Type  string `json:"type"`
	DocID string `json:"docId,omitempty"`
	Code  string `json:"code,omitempty"`

	// join_ack
	SessionID string `json:"sessionId,omitempty"`
	Version   uint64 `json:"version,omitempty"`

	// join_ack / presence
	ConnectedUsers []collab.UserPresence `json:"connectedUsers,omitempty"`

	// op_applied（含发送者本人，便于对账被变换过的操作）
	Applied *ot.AppliedOperation `json:"operation,omitempty"`

	// op_cancelled
	OperationID string `json:"operationId,omitempty"`

	// lock_result
	ElementID string `json:"elementId,omitempty"`
	Success   *bool  `json:"success,omitempty"`
	LockedBy  string `json:"lockedBy,omitempty"`

	// session_info
	Info *collab.SessionSnapshot `json:"session,omitempty"`

	Content string `json:"content,omitempty"`
}
