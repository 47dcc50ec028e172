package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultInboxSize = 256

// Bus 进程内的 Transport，同一个 Bus 上 Join 同一个 topic 的 Session 互相可见。
// 用于单进程多 peer 的场景和测试。
type Bus struct {
	mu        sync.Mutex
	rooms     map[string]map[*memSession]struct{}
	inboxSize int
	logger    *zap.Logger
}

type BusOption func(*Bus)

// WithInboxSize 每个 session 的接收队列长度，满了直接丢消息
func WithInboxSize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.inboxSize = n
		}
	}
}

func WithBusLogger(l *zap.Logger) BusOption {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		rooms:     make(map[string]map[*memSession]struct{}),
		inboxSize: defaultInboxSize,
		logger:    zap.NewNop(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Bus) Join(topic string) Session {
	return &memSession{
		bus:   b,
		topic: topic,
		id:    uuid.NewString(),
		inbox: make(chan func(), b.inboxSize),
		done:  make(chan struct{}),
	}
}

// Kick 模拟服务端断开 topic 上的所有连接
func (b *Bus) Kick(topic string, err error) {
	if err == nil {
		err = ErrConnectionLost
	}
	b.mu.Lock()
	members := b.snapshotLocked(topic)
	delete(b.rooms, topic)
	b.mu.Unlock()

	for _, s := range members {
		s.closeWith(err)
	}
}

// Members topic 上当前订阅的 session 数
func (b *Bus) Members(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rooms[topic])
}

func (b *Bus) snapshotLocked(topic string) []*memSession {
	out := make([]*memSession, 0, len(b.rooms[topic]))
	for s := range b.rooms[topic] {
		out = append(out, s)
	}
	return out
}

func (b *Bus) presenceLocked(topic string) map[string][]Presence {
	state := make(map[string][]Presence)
	for s := range b.rooms[topic] {
		s.mu.Lock()
		meta := s.meta
		s.mu.Unlock()
		if meta == nil {
			continue
		}
		state[meta.PeerID] = append(state[meta.PeerID], *meta)
	}
	return state
}

// 给 topic 上除 from 之外的所有成员投递
func (b *Bus) fanout(topic string, from *memSession, fn func(*memSession)) {
	b.mu.Lock()
	members := b.snapshotLocked(topic)
	b.mu.Unlock()
	for _, s := range members {
		if s == from {
			continue
		}
		fn(s)
	}
}

type memSession struct {
	bus   *Bus
	topic string
	id    string

	handlers Handlers

	mu         sync.Mutex
	onStatus   StatusFunc
	subscribed bool
	closed     bool
	meta       *Presence

	inbox     chan func()
	done      chan struct{}
	closeOnce sync.Once
}

func (s *memSession) Topic() string { return s.topic }

func (s *memSession) On(event string, h Handler) { s.handlers.On(event, h) }

func (s *memSession) Subscribe(ctx context.Context, onStatus StatusFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.onStatus != nil {
		s.mu.Unlock()
		return fmt.Errorf("topic %s: already subscribed", s.topic)
	}
	s.onStatus = onStatus
	s.mu.Unlock()

	go s.loop()

	s.mu.Lock()
	s.subscribed = true
	s.mu.Unlock()

	// 入房间和状态回调入队在同一把锁里：别人发来的消息一定排在 Subscribed 之后
	s.bus.mu.Lock()
	if s.bus.rooms[s.topic] == nil {
		s.bus.rooms[s.topic] = make(map[*memSession]struct{})
	}
	s.bus.rooms[s.topic][s] = struct{}{}
	s.enqueue(func() {
		if onStatus != nil {
			onStatus(StatusSubscribed, nil)
		}
	})
	s.bus.mu.Unlock()
	return nil
}

func (s *memSession) Track(ctx context.Context, meta Presence) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.subscribed || s.closed {
		s.mu.Unlock()
		return ErrNotSubscribed
	}
	m := meta
	s.meta = &m
	s.mu.Unlock()

	s.broadcastPresence(nil)
	return nil
}

func (s *memSession) Send(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	ok := s.subscribed && !s.closed
	s.mu.Unlock()
	if !ok {
		return ErrNotSubscribed
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrSendFailure, event, err)
	}
	s.bus.fanout(s.topic, s, func(peer *memSession) {
		data := append(json.RawMessage(nil), raw...)
		peer.enqueue(func() { peer.handlers.Dispatch(event, data) })
	})
	return nil
}

func (s *memSession) PresenceState() map[string][]Presence {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return s.bus.presenceLocked(s.topic)
}

func (s *memSession) Leave(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	wasTracked := s.meta != nil
	s.mu.Unlock()

	s.bus.mu.Lock()
	delete(s.bus.rooms[s.topic], s)
	if len(s.bus.rooms[s.topic]) == 0 {
		delete(s.bus.rooms, s.topic)
	}
	s.bus.mu.Unlock()

	if wasTracked {
		s.broadcastPresence(s)
	}
	s.closeWith(nil)
	return nil
}

// skip 非空时不通知该 session（离开的一方）
func (s *memSession) broadcastPresence(skip *memSession) {
	s.bus.fanout(s.topic, skip, func(peer *memSession) {
		peer.enqueue(func() { peer.handlers.Dispatch(EventPresenceSync, nil) })
	})
}

func (s *memSession) enqueue(fn func()) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.inbox <- fn:
	default:
		s.bus.logger.Warn("inbox full, drop message", zap.String("topic", s.topic), zap.String("session", s.id))
	}
}

func (s *memSession) closeWith(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.subscribed = false
		onStatus := s.onStatus
		s.mu.Unlock()

		// Closed 也排进队列，在已收到的消息之后交付
		select {
		case s.inbox <- func() {
			if onStatus != nil {
				onStatus(StatusClosed, err)
			}
		}:
			close(s.done)
		default:
			close(s.done)
			if onStatus != nil {
				go onStatus(StatusClosed, err)
			}
		}
	})
}

func (s *memSession) loop() {
	for {
		select {
		case fn := <-s.inbox:
			fn()
		case <-s.done:
			// 把 done 之前已经入队的处理完
			for {
				select {
				case fn := <-s.inbox:
					fn()
				default:
					return
				}
			}
		}
	}
}
