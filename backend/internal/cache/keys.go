package cache

import "fmt"

// 键语义：
// - roomKey(topic):   频道在线成员（ZSet<peerId, expireAtUnix>，score=expireAt）
// - metaKey(topic):   频道内 peerId→presence JSON（Hash）
// - topicsKey():      有人在线的频道索引（Set<topic>）

const (
	keyRoomFmt   = "presence:room:{topic:%s}"      // ZSet<peerId, expireAtUnix>
	keyMetaFmt   = "presence:room:meta:{topic:%s}" // Hash<peerId -> json>
	keyTopicsSet = "presence:topics"               // Set<topic>
)

func roomKey(topic string) string { return fmt.Sprintf(keyRoomFmt, topic) }
func metaKey(topic string) string { return fmt.Sprintf(keyMetaFmt, topic) }
func topicsKey() string           { return keyTopicsSet }
