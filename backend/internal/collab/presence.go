package collab

import (
	"sort"
	"sync"

	"boardsync/backend/internal/channel"
)

// PresenceTracker 在线 peer 列表。每次 presence-sync 都整体替换，
// 加入/离开事件通过对比前后两次投影得到。
type PresenceTracker struct {
	mu        sync.RWMutex
	peers     []channel.Presence
	listeners []func(joined, left []channel.Presence)
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{}
}

// OnChange 注册加入/离开回调，只在 peer 集合变化时调用
func (t *PresenceTracker) OnChange(fn func(joined, left []channel.Presence)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

func (t *PresenceTracker) Refresh(state map[string][]channel.Presence) {
	next := channel.Flatten(state)
	sort.Slice(next, func(i, j int) bool {
		if next[i].PeerID != next[j].PeerID {
			return next[i].PeerID < next[j].PeerID
		}
		return next[i].ConnectedAt.Before(next[j].ConnectedAt)
	})

	t.mu.Lock()
	prev := t.peers
	t.peers = next
	listeners := append([]func(joined, left []channel.Presence){}, t.listeners...)
	t.mu.Unlock()

	joined, left := diffPeers(prev, next)
	if len(joined) == 0 && len(left) == 0 {
		return
	}
	for _, fn := range listeners {
		fn(joined, left)
	}
}

func (t *PresenceTracker) Peers() []channel.Presence {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]channel.Presence(nil), t.peers...)
}

// 按 peerId 比较；同一个 peer 多个连接只算一次
func diffPeers(prev, next []channel.Presence) (joined, left []channel.Presence) {
	before := make(map[string]channel.Presence, len(prev))
	for _, p := range prev {
		if _, ok := before[p.PeerID]; !ok {
			before[p.PeerID] = p
		}
	}
	after := make(map[string]channel.Presence, len(next))
	for _, p := range next {
		if _, ok := after[p.PeerID]; !ok {
			after[p.PeerID] = p
			if _, was := before[p.PeerID]; !was {
				joined = append(joined, p)
			}
		}
	}
	for _, p := range prev {
		if _, still := after[p.PeerID]; !still {
			left = append(left, p)
			// 防止重复
			after[p.PeerID] = p
		}
	}
	return joined, left
}
