package cache

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache 把内存会话的在线状态镜像到 Redis，跨实例可见。
// 协调器本身不依赖它；ws 层在 join/心跳/光标更新时写入，纯尽力而为。
type PresenceCache interface {
	AddMember(ctx context.Context, docID, userID, displayName string, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID, userID string) error
	GetAliveMembersWithNames(ctx context.Context, docID string) ([]PresenceMember, error)
	SetCursor(ctx context.Context, docID, userID string, jsonData []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, docID, userID string) ([]byte, error)
}

type PresenceMember struct {
	UserID      string
	DisplayName string
}

// 具体实现：基于 redis
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, docID, userID, displayName string, ttl time.Duration) error {
	pipe := p.rdb.Pipeline()
	// 房间成员集合
	pipe.SAdd(ctx, roomKey(docID), userID)
	// 成员心跳键，过期即视为掉线
	pipe.Set(ctx, memberKey(docID, userID), "1", ttl)
	// 名字表（哈希）
	pipe.HSet(ctx, namesKey(docID), userID, displayName)
	_, err := pipe.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, docID, userID string) error {
	pipe := p.rdb.Pipeline()
	pipe.SRem(ctx, roomKey(docID), userID)
	pipe.Del(ctx, memberKey(docID, userID))
	pipe.HDel(ctx, namesKey(docID), userID)
	pipe.Del(ctx, cursorKey(docID, userID))
	_, err := pipe.Exec(ctx)
	return err
}

func (p *redisPresence) GetAliveMembersWithNames(ctx context.Context, docID string) ([]PresenceMember, error) {
	userIDs, err := p.rdb.SMembers(ctx, roomKey(docID)).Result()
	if err != nil {
		return nil, err
	}
	if len(userIDs) == 0 {
		return nil, nil
	}

	// 心跳键还在的才算活着
	existsCmds := make([]*redis.IntCmd, 0, len(userIDs))
	pipe := p.rdb.Pipeline()
	for _, userID := range userIDs {
		existsCmds = append(existsCmds, pipe.Exists(ctx, memberKey(docID, userID)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	alive := make([]string, 0, len(userIDs))
	for i, cmd := range existsCmds {
		if cmd.Val() == 1 {
			alive = append(alive, userIDs[i])
		}
	}
	if len(alive) == 0 {
		return nil, nil
	}

	names, err := p.rdb.HMGet(ctx, namesKey(docID), alive...).Result()
	if err != nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(alive))
	for i, v := range names {
		name := ""
		if v != nil {
			name, _ = v.(string)
		}
		members = append(members, PresenceMember{UserID: alive[i], DisplayName: name})
	}
	return members, nil
}

func (p *redisPresence) SetCursor(ctx context.Context, docID, userID string, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(docID, userID), jsonData, ttl).Err()
}

func (p *redisPresence) GetCursor(ctx context.Context, docID, userID string) ([]byte, error) {
	return p.rdb.Get(ctx, cursorKey(docID, userID)).Bytes()
}
