package collab

import (
	"time"

	"github.com/jinkaiteo/scientific-protocol-builder-sub000/backend/internal/ot"
)

// ProtocolOpEvent 发往 Kafka 的已应用操作事件，按 docId 做分区 key。
// 下游（持久化/分析）订阅该流自行回放，本服务不承诺长期存储。
type ProtocolOpEvent struct {
	EventType   string       `json:"eventType"` // 固定 "OP_APPLIED"
	DocID       string       `json:"docId"`
	OperationID string       `json:"operationId"`
	Version     uint64       `json:"version"`
	UserID      string       `json:"userId"`
	BaseVersion uint64       `json:"baseVersion"`
	Op          ot.Operation `json:"op"`
	AppliedAt   time.Time    `json:"appliedAt"`
}
