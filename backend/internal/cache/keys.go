package cache

import "fmt"

// 键语义：
// - roomKey(docID):           房间在线成员（ZSet<principalId, expireAtUnix>，score=expireAt）
// - namesKey(docID):          房间内 principalId→displayName 映射（Hash）
// - awarenessKey(docID):      房间内 sessionId→awareness blob（Hash），过期由 roomKey 的 score 驱动
// - lockKey(docID):           文档压缩锁（String，value=owner token，PX=TTL）

const (
	keyRoomFmt      = "presence:room:{docID:%s}"           // ZSet<principalId, expireAtUnix>
	keyNamesFmt     = "presence:room:names:{docID:%s}"     // Hash<principalId -> name>
	keyAwarenessFmt = "presence:room:awareness:{docID:%s}" // Hash<sessionId -> blob>
	keySessionsFmt  = "presence:room:sessions:{docID:%s}"  // ZSet<sessionId, expireAtUnix>
	keyLockFmt      = "docsync:lock:compaction:{docID:%s}"
)

func roomKey(docID string) string      { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string     { return fmt.Sprintf(keyNamesFmt, docID) }
func awarenessKey(docID string) string { return fmt.Sprintf(keyAwarenessFmt, docID) }
func sessionsKey(docID string) string  { return fmt.Sprintf(keySessionsFmt, docID) }
func lockKey(docID string) string      { return fmt.Sprintf(keyLockFmt, docID) }
