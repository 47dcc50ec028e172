package ws

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"boardsync/backend/internal/cache"
	"boardsync/backend/internal/channel"
)

type Hub struct {
	// 可选：把在线表同步到 redis，供 HTTP 查询和其他进程使用；为 nil 时只维护本地状态
	presence    cache.PresenceCache
	presenceTTL time.Duration
	logger      *zap.Logger

	// 保护 rooms，加入/离开房间、广播时都会先加锁
	mu sync.RWMutex
	// topic -> set of connections
	rooms map[string]map[*Conn]struct{}
}

type HubOption func(*Hub)

func WithHubLogger(l *zap.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHub(p cache.PresenceCache, presenceTTL time.Duration, opts ...HubOption) *Hub {
	if presenceTTL <= 0 {
		presenceTTL = 30 * time.Second
	}
	h := &Hub{presence: p, presenceTTL: presenceTTL, logger: zap.NewNop(), rooms: make(map[string]map[*Conn]struct{})}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Join 将连接加入指定房间
func (h *Hub) Join(topic string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[topic] == nil {
		// 房间里存连接而不是 userID：同一用户可以开多个标签页，每个连接都是独立的 peer
		h.rooms[topic] = make(map[*Conn]struct{})
	}
	h.rooms[topic][c] = struct{}{}
}

// Leave 将连接从房间移除，返回该连接之前是否在房间里
func (h *Hub) Leave(ctx context.Context, topic string, c *Conn) bool {
	h.mu.Lock()
	conns, ok := h.rooms[topic]
	if ok {
		_, ok = conns[c]
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, topic)
		}
	}
	h.mu.Unlock()

	if !ok {
		return false
	}
	if meta := c.Meta(); meta != nil && h.presence != nil {
		if err := h.presence.RemoveMember(ctx, topic, meta.PeerID); err != nil {
			h.logger.Warn("remove presence member failed", zap.String("topic", topic), zap.String("peer", meta.PeerID), zap.Error(err))
		}
	}
	return true
}

// Track 记录连接的 presence 并写入共享在线表
func (h *Hub) Track(ctx context.Context, topic string, c *Conn, meta channel.Presence) {
	c.setMeta(meta)
	h.refresh(ctx, topic, meta)
}

// Heartbeat 续期共享在线表里的 TTL
func (h *Hub) Heartbeat(ctx context.Context, topic string, c *Conn) {
	if meta := c.Meta(); meta != nil {
		h.refresh(ctx, topic, *meta)
	}
}

func (h *Hub) refresh(ctx context.Context, topic string, meta channel.Presence) {
	if h.presence == nil {
		return
	}
	if err := h.presence.AddMember(ctx, topic, meta, h.presenceTTL); err != nil {
		h.logger.Warn("add presence member failed", zap.String("topic", topic), zap.String("peer", meta.PeerID), zap.Error(err))
	}
}

func (h *Hub) members(topic string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.rooms[topic]))
	for c := range h.rooms[topic] {
		out = append(out, c)
	}
	return out
}

// PresenceState 本 relay 上某个房间的在线表，按 peerId 分组
func (h *Hub) PresenceState(topic string) map[string][]channel.Presence {
	state := make(map[string][]channel.Presence)
	for _, c := range h.members(topic) {
		if meta := c.Meta(); meta != nil {
			state[meta.PeerID] = append(state[meta.PeerID], *meta)
		}
	}
	return state
}

// SharedPresence 优先读 redis 里的在线表（包含其他 relay 实例上的成员）
func (h *Hub) SharedPresence(ctx context.Context, topic string) ([]channel.Presence, error) {
	if h.presence == nil {
		return channel.Flatten(h.PresenceState(topic)), nil
	}
	return h.presence.GetAliveMembers(ctx, topic)
}

// ActiveTopics 有成员在线的 topic；没有 redis 时只看本实例的房间
func (h *Hub) ActiveTopics(ctx context.Context) ([]string, error) {
	if h.presence != nil {
		return h.presence.GetTopics(ctx)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.rooms))
	for topic := range h.rooms {
		out = append(out, topic)
	}
	return out, nil
}

// Broadcast 发给房间内除 from 之外的所有连接
func (h *Hub) Broadcast(topic string, from *Conn, msg ServerMessage) {
	for _, c := range h.members(topic) {
		if c == from {
			continue
		}
		c.Enqueue(msg)
	}
}

// BroadcastPresence 把完整在线表推给房间内所有连接（包括触发者自己）
func (h *Hub) BroadcastPresence(topic string) {
	msg := ServerMessage{Type: TypePresenceState, Topic: topic, Presence: h.PresenceState(topic)}
	for _, c := range h.members(topic) {
		c.Enqueue(msg)
	}
}

func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}
