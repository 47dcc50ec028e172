package cache

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"

	"boardsync/backend/internal/channel"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	// 若 Redis 未启动则跳过
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func cleanupTopic(t *testing.T, rdb *redis.Client, topic string) {
	t.Cleanup(func() {
		ctx := context.Background()
		rdb.Del(ctx, roomKey(topic), metaKey(topic))
		rdb.SRem(ctx, topicsKey(), topic)
	})
}

func TestPresence_AddAndRemove(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()
	topic := "doc:presence-test"
	cleanupTopic(t, rdb, topic)

	p := NewRedisPresence(rdb)
	alice := channel.Presence{PeerID: "alice", DisplayName: "Alice", ColorHash: 12}
	if err := p.AddMember(ctx, topic, alice, time.Minute); err != nil {
		t.Fatalf("AddMember error: %v", err)
	}
	if err := p.AddMember(ctx, topic, channel.Presence{PeerID: "bob", DisplayName: "Bob"}, time.Minute); err != nil {
		t.Fatalf("AddMember error: %v", err)
	}

	members, err := p.GetAliveMembers(ctx, topic)
	if err != nil {
		t.Fatalf("GetAliveMembers error: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %v", members)
	}
	byID := map[string]channel.Presence{}
	for _, m := range members {
		byID[m.PeerID] = m
	}
	if byID["alice"].DisplayName != "Alice" || byID["alice"].ColorHash != 12 {
		t.Fatalf("alice meta = %+v", byID["alice"])
	}

	topics, err := p.GetTopics(ctx)
	if err != nil {
		t.Fatalf("GetTopics error: %v", err)
	}
	found := false
	for _, tp := range topics {
		if tp == topic {
			found = true
		}
	}
	if !found {
		t.Fatalf("topic %s missing from %v", topic, topics)
	}

	if err := p.RemoveMember(ctx, topic, "bob"); err != nil {
		t.Fatalf("RemoveMember error: %v", err)
	}
	members, _ = p.GetAliveMembers(ctx, topic)
	if len(members) != 1 || members[0].PeerID != "alice" {
		t.Fatalf("after remove got %v", members)
	}
}

func TestPresence_ExpiredMembersAreDropped(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()
	topic := "doc:presence-expire-test"
	cleanupTopic(t, rdb, topic)

	p := &redisPresence{rdb: rdb, now: time.Now}
	if err := p.AddMember(ctx, topic, channel.Presence{PeerID: "ghost"}, -time.Minute); err != nil {
		t.Fatalf("AddMember error: %v", err)
	}
	members, err := p.GetAliveMembers(ctx, topic)
	if err != nil {
		t.Fatalf("GetAliveMembers error: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expected expired member to be dropped, got %v", members)
	}
	if n := rdb.HLen(ctx, metaKey(topic)).Val(); n != 0 {
		t.Fatalf("meta hash still has %d fields", n)
	}
	if rdb.SIsMember(ctx, topicsKey(), topic).Val() {
		t.Fatalf("empty topic still indexed")
	}
}
