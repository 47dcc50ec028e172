package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"boardsync/backend/internal/channel"
)

// PresenceCache 跨进程共享的在线表。relay 多实例部署、或 peer 走 redis 传输时使用。
type PresenceCache interface {
	AddMember(ctx context.Context, topic string, meta channel.Presence, ttl time.Duration) error
	RemoveMember(ctx context.Context, topic, peerID string) error
	GetAliveMembers(ctx context.Context, topic string) ([]channel.Presence, error)
	GetTopics(ctx context.Context) ([]string, error)
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb redis.UniversalClient
	now func() time.Time
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb, now: time.Now}
}

// 过期清理：score=expireAt（Unix 秒），expireAt <= now 视为过期
var cleanupScript = redis.NewScript(`
-- KEYS[1] = roomKey(topic)
-- KEYS[2] = metaKey(topic)
-- KEYS[3] = topicsKey()
-- ARGV[1] = now (unix seconds)
-- ARGV[2] = topic

local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
if redis.call("ZCARD", KEYS[1]) == 0 then
	redis.call("SREM", KEYS[3], ARGV[2])
end
return #expired
`)

func (p *redisPresence) AddMember(ctx context.Context, topic string, meta channel.Presence, ttl time.Duration) error {
	if meta.PeerID == "" {
		return errors.New("presence: empty peer id")
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("presence: encode meta: %w", err)
	}
	// 刷新TTL也直接调用AddMember即可
	tx := p.rdb.TxPipeline()
	expireAt := p.now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(topic), redis.Z{Score: float64(expireAt), Member: meta.PeerID})
	tx.HSet(ctx, metaKey(topic), meta.PeerID, raw)
	tx.SAdd(ctx, topicsKey(), topic)
	_, err = tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, topic, peerID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(topic), peerID)
	tx.HDel(ctx, metaKey(topic), peerID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) GetAliveMembers(ctx context.Context, topic string) ([]channel.Presence, error) {
	// step1: 清理过期成员
	now := p.now().Unix()
	err := cleanupScript.Run(ctx, p.rdb,
		[]string{roomKey(topic), metaKey(topic), topicsKey()}, now, topic).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	// step2: 查询在线成员
	alive, err := p.rdb.ZRangeByScore(ctx, roomKey(topic), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(alive) == 0 {
		return nil, nil
	}

	// step3: 批量取元数据
	metas, err := p.rdb.HMGet(ctx, metaKey(topic), alive...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]channel.Presence, 0, len(alive))
	for i, v := range metas {
		s, _ := v.(string)
		var m channel.Presence
		if s == "" || json.Unmarshal([]byte(s), &m) != nil {
			// 元数据丢了也算在线，只是没有名字
			m = channel.Presence{PeerID: alive[i]}
		}
		members = append(members, m)
	}
	return members, nil
}

func (p *redisPresence) GetTopics(ctx context.Context) ([]string, error) {
	return p.rdb.SMembers(ctx, topicsKey()).Result()
}
