package cache

import "fmt"

// 键语义：
// - roomKey(docID):          房间候选成员集合（Set<userId>）
// - memberKey(docID,userID): 成员心跳键（String，占位"1"，带 TTL）
// - namesKey(docID):         房间内 userId→displayName 映射（Hash）
// - cursorKey(docID,userID): 成员光标/选区 JSON（String，带 TTL）

const (
	keyRoomFmt   = "presence:room:%s"       // Set<userId>
	keyMemberFmt = "presence:member:%s:%s"  // String "1" with TTL
	keyNamesFmt  = "presence:room:names:%s" // Hash<userId -> displayName>
	keyCursorFmt = "presence:cursor:%s:%s"  // String JSON with TTL
)

func roomKey(docID string) string           { return fmt.Sprintf(keyRoomFmt, docID) }
func memberKey(docID, userID string) string { return fmt.Sprintf(keyMemberFmt, docID, userID) }
func namesKey(docID string) string          { return fmt.Sprintf(keyNamesFmt, docID) }
func cursorKey(docID, userID string) string { return fmt.Sprintf(keyCursorFmt, docID, userID) }
