// Package redisbus 基于 redis pub/sub 的 Transport，多个进程里的 peer 直接通过 redis 互通，
// 不需要 relay。在线表放在 cache.PresenceCache 里，靠心跳续期。
package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"boardsync/backend/internal/cache"
	"boardsync/backend/internal/channel"
)

const (
	channelPrefix = "boardsync:channel:"
	// 成员变化的内部事件，收到后重新拉在线表
	eventPresenceChanged = "_presence"
)

type Transport struct {
	rdb       redis.UniversalClient
	presence  cache.PresenceCache
	ttl       time.Duration
	heartbeat time.Duration
	logger    *zap.Logger
}

type Option func(*Transport)

// WithPresenceTTL 在线成员的逻辑 TTL，心跳间隔取 TTL 的三分之一
func WithPresenceTTL(ttl time.Duration) Option {
	return func(t *Transport) {
		if ttl > 0 {
			t.ttl = ttl
			t.heartbeat = ttl / 3
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

func New(rdb redis.UniversalClient, opts ...Option) *Transport {
	t := &Transport{
		rdb:       rdb,
		presence:  cache.NewRedisPresence(rdb),
		ttl:       30 * time.Second,
		heartbeat: 10 * time.Second,
		logger:    zap.NewNop(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Transport) Join(topic string) channel.Session {
	return &session{
		t:     t,
		topic: topic,
		id:    uuid.NewString(),
		state: map[string][]channel.Presence{},
	}
}

type session struct {
	t     *Transport
	topic string
	// id 只用来过滤自己发出的消息
	id string

	handlers channel.Handlers

	mu         sync.Mutex
	pubsub     *redis.PubSub
	subscribed bool
	leaving    bool
	meta       *channel.Presence
	state      map[string][]channel.Presence
	stopBeat   context.CancelFunc
}

func (s *session) Topic() string { return s.topic }

func (s *session) On(event string, h channel.Handler) { s.handlers.On(event, h) }

func (s *session) Subscribe(ctx context.Context, onStatus channel.StatusFunc) error {
	s.mu.Lock()
	if s.pubsub != nil {
		s.mu.Unlock()
		return fmt.Errorf("topic %s: already subscribed", s.topic)
	}
	if s.leaving {
		s.mu.Unlock()
		return channel.ErrClosed
	}
	ps := s.t.rdb.Subscribe(ctx, channelPrefix+s.topic)
	s.pubsub = ps
	s.mu.Unlock()

	// 等待订阅确认
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("%w: subscribe %s: %v", channel.ErrConnectionLost, s.topic, err)
	}

	s.mu.Lock()
	s.subscribed = true
	s.mu.Unlock()

	go s.loop(ps.Channel(), onStatus)
	return nil
}

func (s *session) loop(msgs <-chan *redis.Message, onStatus channel.StatusFunc) {
	if onStatus != nil {
		onStatus(channel.StatusSubscribed, nil)
	}
	s.refreshPresence(true)

	ticker := time.NewTicker(s.t.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				s.mu.Lock()
				s.subscribed = false
				leaving := s.leaving
				s.mu.Unlock()
				if onStatus != nil {
					var err error
					if !leaving {
						err = channel.ErrConnectionLost
					}
					onStatus(channel.StatusClosed, err)
				}
				return
			}
			var env channel.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				s.t.logger.Warn("bad envelope", zap.String("topic", s.topic), zap.Error(err))
				continue
			}
			if env.Event == eventPresenceChanged {
				s.refreshPresence(true)
				continue
			}
			if env.From == s.id {
				continue
			}
			s.handlers.Dispatch(env.Event, env.Payload)
		case <-ticker.C:
			// 别人崩溃不会发离开消息，只能靠 TTL 过期后在这里发现
			s.refreshPresence(false)
		}
	}
}

// force 为 false 时只有在线表变了才通知
func (s *session) refreshPresence(force bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	members, err := s.t.presence.GetAliveMembers(ctx, s.topic)
	if err != nil {
		s.t.logger.Warn("load presence failed", zap.String("topic", s.topic), zap.Error(err))
		return
	}
	next := make(map[string][]channel.Presence, len(members))
	for _, m := range members {
		next[m.PeerID] = append(next[m.PeerID], m)
	}

	s.mu.Lock()
	changed := !cmp.Equal(s.state, next, cmpopts.EquateEmpty())
	s.state = next
	s.mu.Unlock()

	if force || changed {
		s.handlers.Dispatch(channel.EventPresenceSync, nil)
	}
}

func (s *session) Track(ctx context.Context, meta channel.Presence) error {
	s.mu.Lock()
	if !s.subscribed {
		s.mu.Unlock()
		return channel.ErrNotSubscribed
	}
	m := meta
	s.meta = &m
	if s.stopBeat == nil {
		beatCtx, cancel := context.WithCancel(context.Background())
		s.stopBeat = cancel
		go s.heartbeat(beatCtx)
	}
	s.mu.Unlock()

	if err := s.t.presence.AddMember(ctx, s.topic, meta, s.t.ttl); err != nil {
		return fmt.Errorf("track %s: %w", s.topic, err)
	}
	return s.publish(ctx, eventPresenceChanged, nil)
}

func (s *session) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.t.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			meta := s.meta
			s.mu.Unlock()
			if meta == nil {
				continue
			}
			if err := s.t.presence.AddMember(ctx, s.topic, *meta, s.t.ttl); err != nil && !errors.Is(err, context.Canceled) {
				s.t.logger.Warn("presence heartbeat failed", zap.String("topic", s.topic), zap.Error(err))
			}
		}
	}
}

func (s *session) Send(ctx context.Context, event string, payload any) error {
	s.mu.Lock()
	ok := s.subscribed
	s.mu.Unlock()
	if !ok {
		return channel.ErrNotSubscribed
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", channel.ErrSendFailure, event, err)
	}
	return s.publish(ctx, event, raw)
}

func (s *session) publish(ctx context.Context, event string, payload json.RawMessage) error {
	data, err := json.Marshal(channel.Envelope{Event: event, Payload: payload, From: s.id})
	if err != nil {
		return fmt.Errorf("%w: %v", channel.ErrSendFailure, err)
	}
	if err := s.t.rdb.Publish(ctx, channelPrefix+s.topic, data).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %v", channel.ErrSendFailure, s.topic, err)
	}
	return nil
}

func (s *session) PresenceState() map[string][]channel.Presence {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]channel.Presence, len(s.state))
	for k, v := range s.state {
		out[k] = append([]channel.Presence(nil), v...)
	}
	return out
}

func (s *session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if s.leaving {
		s.mu.Unlock()
		return nil
	}
	s.leaving = true
	ps := s.pubsub
	meta := s.meta
	stop := s.stopBeat
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	var errs []error
	if meta != nil {
		if err := s.t.presence.RemoveMember(ctx, s.topic, meta.PeerID); err != nil {
			errs = append(errs, err)
		} else if err := s.publish(ctx, eventPresenceChanged, nil); err != nil {
			errs = append(errs, err)
		}
	}
	if ps != nil {
		if err := ps.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
