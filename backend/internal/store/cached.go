package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"boardsync/backend/internal/document"
)

const (
	BaseTTL          = 10 * time.Minute // 基础过期时间
	Jitter           = 2 * time.Minute  // 随机抖动范围
	NullTTL          = time.Minute      // 空值缓存时间
	EmptyCacheMarker = "-1"             // 空值标记

	keySnapshotFmt = "snapshot:doc:{%s}"
)

func snapshotKey(docID string) string { return fmt.Sprintf(keySnapshotFmt, docID) }

// 获取随机TTL，防止缓存雪崩
func getRandomTTL() time.Duration {
	return BaseTTL + time.Duration(rand.Int63n(int64(Jitter)))
}

// CachedSnapshotStore 在 SnapshotStore 前加一层 redis：
// 读走 cache-aside + singleflight，写和删先落库再删缓存。
// redis 出错时直接回源，不影响正确性。
type CachedSnapshotStore struct {
	next   SnapshotStore
	rdb    redis.UniversalClient
	sf     singleflight.Group
	logger *zap.Logger
}

func NewCachedSnapshotStore(next SnapshotStore, rdb redis.UniversalClient, logger *zap.Logger) *CachedSnapshotStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedSnapshotStore{next: next, rdb: rdb, logger: logger}
}

func (c *CachedSnapshotStore) Read(ctx context.Context, docID string) (document.Snapshot, error) {
	key := snapshotKey(docID)
	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		raw, err := c.rdb.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			if string(raw) == EmptyCacheMarker {
				return nil, ErrNotFound
			}
			snap, derr := decodeSnapshot(raw)
			if derr == nil {
				return snap, nil
			}
			c.logger.Warn("drop undecodable cached snapshot", zap.String("doc", docID), zap.Error(derr))
		case !errors.Is(err, redis.Nil):
			c.logger.Warn("snapshot cache read failed", zap.String("doc", docID), zap.Error(err))
		}

		// 回源
		snap, err := c.next.Read(ctx, docID)
		if errors.Is(err, ErrNotFound) {
			// 空值缓存，防止缓存穿透
			if serr := c.rdb.Set(ctx, key, EmptyCacheMarker, NullTTL).Err(); serr != nil {
				c.logger.Debug("write null cache failed", zap.String("doc", docID), zap.Error(serr))
			}
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		if data, eerr := encodeSnapshot(snap); eerr == nil {
			if serr := c.rdb.Set(ctx, key, data, getRandomTTL()).Err(); serr != nil {
				c.logger.Debug("write snapshot cache failed", zap.String("doc", docID), zap.Error(serr))
			}
		}
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	snap, ok := v.(document.Snapshot)
	if !ok {
		return nil, errors.New("internal type error")
	}
	// singleflight 的结果被多个调用方共享，各自拿一份拷贝
	out := make(document.Snapshot, len(snap))
	for id, r := range snap {
		out[id] = r.Clone()
	}
	return out, nil
}

func (c *CachedSnapshotStore) Write(ctx context.Context, docID string, snap document.Snapshot) error {
	if err := c.next.Write(ctx, docID, snap); err != nil {
		return err
	}
	c.invalidate(ctx, docID)
	return nil
}

func (c *CachedSnapshotStore) Delete(ctx context.Context, docID string) error {
	if err := c.next.Delete(ctx, docID); err != nil {
		return err
	}
	c.invalidate(ctx, docID)
	return nil
}

func (c *CachedSnapshotStore) invalidate(ctx context.Context, docID string) {
	if err := c.rdb.Del(ctx, snapshotKey(docID)).Err(); err != nil {
		c.logger.Warn("snapshot cache invalidate failed", zap.String("doc", docID), zap.Error(err))
	}
}
