package collab

import (
	"sync"
	"time"

	"github.com/jinkaiteo/scientific-protocol-builder-sub000/backend/internal/ot"
)

// UserPresence 会话内单个用户的在线状态。
// 每个 userId 在一个会话里至多一条记录，重连覆盖旧记录而不是追加。
type UserPresence struct {
	UserID       string    `json:"userId"`
	ConnectionID string    `json:"connectionId"`
	DisplayName  string    `json:"displayName"`
	Avatar       string    `json:"avatar,omitempty"`
	JoinedAt     time.Time `json:"joinedAt"`
	Cursor       any       `json:"cursor,omitempty"`
	Selection    any       `json:"selection,omitempty"`
	LastActivity time.Time `json:"lastActivity"`
}

// LockInfo 单个元素上的排他锁。
type LockInfo struct {
	ElementID string `json:"elementId"`
	UserID    string `json:"userId"`
}

// session 单个协作文档的全部内存状态。
// version/opLog/locks/presence 只能在持有 mu 的情况下读写，
// 这是每个会话的唯一串行化点（见 Service 各入口）。
type session struct {
	mu sync.Mutex

	id      string
	version uint64
	// 操作日志环形窗口：opLog[len-1].Version == version。
	// 超出 ringCap 时丢最老的一条，trimmedBefore 随之前移。
	opLog   []ot.AppliedOperation
	ringCap int

	locks    map[string]string        // elementId -> userId
	presence map[string]*UserPresence // userId -> presence

	lastActivityAt time.Time
	// 会话被销毁后置位。拿到指针但晚于销毁才加锁的调用据此放弃，
	// 不去改一个已从注册表摘除的孤儿。
	closed bool
}

func (s *session) touch() {
	s.lastActivityAt = time.Now()
}

// oldestRetained 返回环形窗口能支持变换的最早 baseVersion。
// 提交的 baseVersion 小于它时只能强制客户端走 session_info 重新对齐。
func (s *session) oldestRetained() uint64 {
	return s.version - uint64(len(s.opLog))
}

// appendOp 把变换完成的操作写入日志并推进版本号。调用方必须持有 s.mu。
func (s *session) appendOp(op *ot.Operation, userID string) ot.AppliedOperation {
	s.version++
	applied := ot.AppliedOperation{
		Operation: *op,
		UserID:    userID,
		AppliedAt: time.Now(),
		Version:   s.version,
	}
	if s.ringCap > 0 && len(s.opLog) >= s.ringCap {
		copy(s.opLog[0:], s.opLog[1:])
		s.opLog = s.opLog[:len(s.opLog)-1]
	}
	s.opLog = append(s.opLog, applied)
	return applied
}

// concurrentSince 返回 Version > base 的全部已应用操作（按应用顺序）。
// 调用方必须持有 s.mu，且已确认 base 落在保留窗口内。
func (s *session) concurrentSince(base uint64) []ot.AppliedOperation {
	skip := base - s.oldestRetained()
	return s.opLog[skip:]
}

// rosterLocked 复制一份在线名单。调用方必须持有 s.mu。
func (s *session) rosterLocked() []UserPresence {
	out := make([]UserPresence, 0, len(s.presence))
	for _, p := range s.presence {
		out = append(out, *p)
	}
	return out
}

func (s *session) locksLocked() []LockInfo {
	out := make([]LockInfo, 0, len(s.locks))
	for el, uid := range s.locks {
		out = append(out, LockInfo{ElementID: el, UserID: uid})
	}
	return out
}

// SessionRegistry 进程内会话注册表：docId -> session。
// 纯状态保管，不做任何变换或加锁语义；由服务端启动时构造注入，
// 不是包级单例。
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	ringCap  int
}

func NewSessionRegistry(ringCap int) *SessionRegistry {
	if ringCap <= 0 {
		ringCap = 1024
	}
	return &SessionRegistry{
		sessions: make(map[string]*session),
		ringCap:  ringCap,
	}
}

// getOrCreate 双重检查创建，只有 Join 会走到这里。
func (r *SessionRegistry) getOrCreate(docID string) *session {
	r.mu.RLock()
	s := r.sessions[docID]
	r.mu.RUnlock()
	if s != nil {
		return s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s = r.sessions[docID]; s == nil {
		s = &session{
			id:             docID,
			ringCap:        r.ringCap,
			locks:          make(map[string]string),
			presence:       make(map[string]*UserPresence),
			lastActivityAt: time.Now(),
		}
		r.sessions[docID] = s
	}
	return s
}

// get 不自动建会话，给 submit/lock/info 这类必须命中已有会话的入口用。
func (r *SessionRegistry) get(docID string) *session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[docID]
}

func (r *SessionRegistry) remove(docID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, docID)
}

// snapshotIDs 给清扫器用的一次性 docId 快照，避免边遍历边删。
func (r *SessionRegistry) snapshotIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (r *SessionRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
