package collab

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/jinkaiteo/scientific-protocol-builder-sub000/backend/internal/ot"
)

var (
	// 对不存在会话的 submit/lock/unlock/info 调用
	ErrSessionNotFound = errors.New("SESSION_NOT_FOUND")
	// baseVersion 已经滑出日志保留窗口，客户端需走 session_info 重新对齐
	ErrStaleVersion = errors.New("STALE_BASE_VERSION")
	// baseVersion 超前于会话当前版本，客户端状态异常
	ErrVersionConflict = errors.New("VERSION_CONFLICT")
)

// 协作协调器接口：会话的全部公共入口。
// 每个方法对目标会话原子生效（内部拿该会话的互斥锁串行化）。
type Service interface {
	Join(ctx context.Context, docID, userID string, info UserInfo) (*JoinResult, error)

	// Leave 按 userId 或 connectionId 匹配摘除在线记录（容忍断线先于 leave 消息到达），
	// 释放该用户持有的全部元素锁；名单清空时整个会话销毁。
	Leave(ctx context.Context, docID, userID, connectionID string) ([]UserPresence, error)

	// Submit 对过期操作做变换后落日志。返回 (nil, nil) 表示操作被变换取消
	// （并发 move 覆盖），不占版本号，也不是错误。
	Submit(ctx context.Context, docID string, op ot.Operation, userID string) (*ot.AppliedOperation, error)

	LockElement(ctx context.Context, docID, elementID, userID string) (*LockResult, error)
	UnlockElement(ctx context.Context, docID, elementID, userID string) error

	UpdatePresence(ctx context.Context, docID, userID string, cursor, selection any) ([]UserPresence, error)

	SessionInfo(ctx context.Context, docID string) (*SessionSnapshot, error)

	// Cleanup 清除闲置超过 maxIdle 的会话（无论名单是否为空），返回清除数。
	// 由后台定时器调用，不暴露给客户端。
	Cleanup(ctx context.Context, maxIdle time.Duration) int
}

type UserInfo struct {
	ConnectionID string
	DisplayName  string
	Avatar       string
}

type JoinResult struct {
	SessionID      string         `json:"sessionId"`
	Version        uint64         `json:"version"`
	ConnectedUsers []UserPresence `json:"connectedUsers"`
}

// 锁冲突不是错误，是带持有者的结构化结果
type LockResult struct {
	Success  bool   `json:"success"`
	LockedBy string `json:"lockedBy,omitempty"`
}

type SessionSnapshot struct {
	ID             string         `json:"id"`
	Version        uint64         `json:"version"`
	ConnectedUsers []UserPresence `json:"connectedUsers"`
	Locks          []LockInfo     `json:"locks"`
}

// OpArchiver 已应用操作的持久化订阅方（实现在 store 包，MySQL）。
// 协调器只异步投递，不关心落盘格式。
type OpArchiver interface {
	SaveAppliedOp(ctx context.Context, docID string, op ot.AppliedOperation) error
}

// 内存实现：持有所有会话的状态
type InMemoryService struct {
	registry *SessionRegistry

	// 依赖注入，均可为 nil（纯内存模式，测试里就这么用）
	dispatcher *KafkaDispatcher
	archive    OpArchiver
}

func NewInMemoryService(registry *SessionRegistry, dispatcher *KafkaDispatcher, archive OpArchiver) *InMemoryService {
	return &InMemoryService{
		registry:   registry,
		dispatcher: dispatcher,
		archive:    archive,
	}
}

func (s *InMemoryService) Join(ctx context.Context, docID, userID string, info UserInfo) (*JoinResult, error) {
	// 拿到指针后才加锁，可能正好撞上清扫销毁；closed 则重来，注册表会给新会话
	var sess *session
	for {
		sess = s.registry.getOrCreate(docID)
		sess.mu.Lock()
		if !sess.closed {
			break
		}
		sess.mu.Unlock()
	}
	defer sess.mu.Unlock()

	now := time.Now()
	// 同一 userId 重连覆盖旧记录，名单里绝不出现两条
	sess.presence[userID] = &UserPresence{
		UserID:       userID,
		ConnectionID: info.ConnectionID,
		DisplayName:  info.DisplayName,
		Avatar:       info.Avatar,
		JoinedAt:     now,
		LastActivity: now,
	}
	sess.touch()

	return &JoinResult{
		SessionID:      sess.id,
		Version:        sess.version,
		ConnectedUsers: sess.rosterLocked(),
	}, nil
}

func (s *InMemoryService) Leave(ctx context.Context, docID, userID, connectionID string) ([]UserPresence, error) {
	sess := s.registry.get(docID)
	if sess == nil {
		return nil, nil
	}
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return nil, nil
	}

	var removed string
	for uid, p := range sess.presence {
		if uid == userID || (connectionID != "" && p.ConnectionID == connectionID) {
			removed = uid
			delete(sess.presence, uid)
			break
		}
	}
	if removed != "" {
		// 断线即释放该用户的全部元素锁
		for el, uid := range sess.locks {
			if uid == removed {
				delete(sess.locks, el)
			}
		}
	}

	if len(sess.presence) == 0 {
		sess.closed = true
		sess.mu.Unlock()
		s.registry.remove(docID)
		return []UserPresence{}, nil
	}

	sess.touch()
	roster := sess.rosterLocked()
	sess.mu.Unlock()
	return roster, nil
}

func (s *InMemoryService) Submit(ctx context.Context, docID string, op ot.Operation, userID string) (*ot.AppliedOperation, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	sess := s.registry.get(docID)
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return nil, ErrSessionNotFound
	}

	if op.BaseVersion > sess.version {
		sess.mu.Unlock()
		return nil, ErrVersionConflict
	}
	if op.BaseVersion < sess.oldestRetained() {
		// 窗口外的老版本无法变换，只能强制重新同步
		sess.mu.Unlock()
		return nil, ErrStaleVersion
	}

	var transformed *ot.Operation
	if op.BaseVersion == sess.version {
		// 快路径：没有并发操作，原样落盘
		transformed = op.Clone()
	} else {
		transformed = ot.TransformAgainst(&op, sess.concurrentSince(op.BaseVersion))
		if transformed == nil {
			// 被并发操作取消（move 覆盖）：不占版本号，不算失败
			sess.touch()
			sess.mu.Unlock()
			return nil, nil
		}
	}
	if transformed.ID == "" {
		transformed.ID = uuid.NewString()
	}

	applied := sess.appendOp(transformed, userID)
	sess.touch()
	sess.mu.Unlock()

	// 投递给订阅方要在锁外做，协调器内部不允许任何阻塞 I/O
	s.publishApplied(ctx, docID, applied)
	return &applied, nil
}

func (s *InMemoryService) LockElement(ctx context.Context, docID, elementID, userID string) (*LockResult, error) {
	sess := s.registry.get(docID)
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return nil, ErrSessionNotFound
	}

	if holder, ok := sess.locks[elementID]; ok && holder != userID {
		// 冲突时不动任何状态
		return &LockResult{Success: false, LockedBy: holder}, nil
	}
	sess.locks[elementID] = userID
	sess.touch()
	return &LockResult{Success: true}, nil
}

func (s *InMemoryService) UnlockElement(ctx context.Context, docID, elementID, userID string) error {
	sess := s.registry.get(docID)
	if sess == nil {
		return ErrSessionNotFound
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return ErrSessionNotFound
	}

	// 只释放自己持有的锁；释放别人的锁静默忽略，不算错误
	if holder, ok := sess.locks[elementID]; ok && holder == userID {
		delete(sess.locks, elementID)
	}
	sess.touch()
	return nil
}

func (s *InMemoryService) UpdatePresence(ctx context.Context, docID, userID string, cursor, selection any) ([]UserPresence, error) {
	sess := s.registry.get(docID)
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return nil, ErrSessionNotFound
	}

	// 已离开的用户不复活，原样返回名单
	if p, ok := sess.presence[userID]; ok {
		p.Cursor = cursor
		p.Selection = selection
		p.LastActivity = time.Now()
		sess.touch()
	}
	return sess.rosterLocked(), nil
}

func (s *InMemoryService) SessionInfo(ctx context.Context, docID string) (*SessionSnapshot, error) {
	sess := s.registry.get(docID)
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return nil, ErrSessionNotFound
	}

	return &SessionSnapshot{
		ID:             sess.id,
		Version:        sess.version,
		ConnectedUsers: sess.rosterLocked(),
		Locks:          sess.locksLocked(),
	}, nil
}

func (s *InMemoryService) Cleanup(ctx context.Context, maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for _, docID := range s.registry.snapshotIDs() {
		sess := s.registry.get(docID)
		if sess == nil {
			continue
		}
		// 和普通入口走同一把会话锁，绝不跟在途的 Submit 抢状态
		sess.mu.Lock()
		if sess.closed || sess.lastActivityAt.After(cutoff) {
			sess.mu.Unlock()
			continue
		}
		sess.closed = true
		sess.mu.Unlock()
		s.registry.remove(docID)
		removed++
		log.Printf("cleanup: evicted idle session doc=%s", docID)
	}
	return removed
}

// publishApplied 把已应用操作投给 Kafka 调度器和 MySQL 归档，均为尽力而为。
func (s *InMemoryService) publishApplied(ctx context.Context, docID string, applied ot.AppliedOperation) {
	if s.dispatcher != nil {
		evt := ProtocolOpEvent{
			EventType:   "OP_APPLIED",
			DocID:       docID,
			OperationID: applied.ID,
			Version:     applied.Version,
			UserID:      applied.UserID,
			BaseVersion: applied.BaseVersion,
			Op:          applied.Operation,
			AppliedAt:   applied.AppliedAt,
		}
		if err := s.dispatcher.Enqueue(ctx, evt); err != nil {
			log.Printf("kafka enqueue failed doc=%s op=%s: %v", docID, applied.ID, err)
		}
	}
	if s.archive != nil {
		go func() {
			c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.archive.SaveAppliedOp(c, docID, applied); err != nil {
				log.Printf("archive save failed doc=%s op=%s: %v", docID, applied.ID, err)
			}
		}()
	}
}
