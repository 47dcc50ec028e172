package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"boardsync/backend/internal/channel"
	"boardsync/backend/internal/document"
	"boardsync/backend/internal/store"
)

const topicPrefix = "doc:"

var ErrSessionStarted = errors.New("session already started")

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// SnapshotReader 会话启动时加载已保存的文档
type SnapshotReader interface {
	Read(ctx context.Context, docID string) (document.Snapshot, error)
}

// Session 一个 peer 对一个文档的实时会话：
// 订阅 topic、加入时请求全量、回答别人的全量请求、收发增量、触发防抖保存。
// 会话结束后不能重新 Start，需要新建。
type Session struct {
	transport channel.Transport
	docID     string
	self      Identity
	store     *document.Store

	bridge     *PersistenceBridge
	loader     SnapshotReader
	sink       EventSink
	logger     *zap.Logger
	clock      clockwork.Clock
	statusHook func(State, error)

	// recordRemote 为 true 时远端应用的 put/remove 也写入 sink
	recordRemote bool

	presence *PresenceTracker

	state     atomic.Int32
	connected atomic.Bool
	started   atomic.Bool

	// 会话生命周期，Close 时取消
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	sess      channel.Session
	observer  *ChangeObserver
	unlisten  func()
	closeOnce sync.Once
	closeErr  error
}

type SessionOption func(*Session)

// WithPersistence 挂上防抖保存；Close 时会一并取消
func WithPersistence(b *PersistenceBridge) SessionOption {
	return func(s *Session) { s.bridge = b }
}

func WithSnapshotLoader(r SnapshotReader) SessionOption {
	return func(s *Session) { s.loader = r }
}

func WithEventSink(sink EventSink) SessionOption {
	return func(s *Session) { s.sink = sink }
}

// WithRemoteEvents 远端 peer 的 put/remove 应用成功后也记一条事件，事件的 peerId 是发送方。
// full 是加入时的补齐，不算编辑，不记录。适合只收不写的存档节点。
func WithRemoteEvents() SessionOption {
	return func(s *Session) { s.recordRemote = true }
}

func WithLogger(l *zap.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

func WithSessionClock(c clockwork.Clock) SessionOption {
	return func(s *Session) { s.clock = c }
}

// WithStatusHook 连接状态变化时回调，用于界面上的连接指示
func WithStatusHook(fn func(State, error)) SessionOption {
	return func(s *Session) { s.statusHook = fn }
}

func NewSession(transport channel.Transport, docID string, self Identity, st *document.Store, opts ...SessionOption) *Session {
	s := &Session{
		transport: transport,
		docID:     docID,
		self:      self,
		store:     st,
		logger:    zap.NewNop(),
		clock:     clockwork.NewRealClock(),
		presence:  NewPresenceTracker(),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With(zap.String("doc", docID), zap.String("peer", self.PeerID))
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

func (s *Session) Topic() string                { return topicPrefix + s.docID }
func (s *Session) DocID() string                { return s.docID }
func (s *Session) Self() Identity               { return s.self }
func (s *Session) Store() *document.Store       { return s.store }
func (s *Session) Presence() *PresenceTracker   { return s.presence }
func (s *Session) State() State                 { return State(s.state.Load()) }
func (s *Session) IsConnected() bool            { return s.connected.Load() }
func (s *Session) Bridge() *PersistenceBridge   { return s.bridge }
func (s *Session) setState(st State, err error) { s.state.Store(int32(st)); s.notify(st, err) }

func (s *Session) notify(st State, err error) {
	if s.statusHook != nil {
		s.statusHook(st, err)
	}
}

// Start 加载快照（如果配置了）、挂监听、订阅 topic。
// 加载失败直接返回错误：空文档一旦触发保存会覆盖掉库里的内容。
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrSessionStarted
	}

	if s.loader != nil {
		if err := s.load(ctx); err != nil {
			s.teardown()
			return err
		}
	}

	s.mu.Lock()
	s.observer = NewChangeObserver(s.store, s.self, s.outbound)
	if s.bridge != nil {
		s.unlisten = s.store.Listen(func(c document.Change) {
			// 本地编辑和远端应用都要保存，刚从库里读出来的不需要
			if c.Origin == document.OriginStorage {
				return
			}
			s.bridge.Schedule(s.store.Snapshot)
		})
	}
	sess := s.transport.Join(s.Topic())
	sess.On(channel.EventMutation, s.handleMutation)
	sess.On(channel.EventRequestState, s.handleRequestState)
	sess.On(channel.EventPresenceSync, func(json.RawMessage) { s.presence.Refresh(sess.PresenceState()) })
	s.sess = sess
	s.mu.Unlock()

	s.setState(StateConnecting, nil)
	if err := sess.Subscribe(ctx, s.onStatus); err != nil {
		s.logger.Warn("subscribe failed", zap.Error(err))
		s.teardown()
		s.setState(StateDisconnected, err)
		return err
	}
	return nil
}

func (s *Session) load(ctx context.Context) error {
	snap, err := s.loader.Read(ctx, s.docID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Debug("no saved snapshot, start empty")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load snapshot %s: %w", s.docID, err)
	}
	if err := s.store.Put(document.OriginStorage, snap.Records()...); err != nil {
		return fmt.Errorf("load snapshot %s: %w", s.docID, err)
	}
	s.logger.Info("snapshot loaded", zap.Int("records", len(snap)))
	return nil
}

func (s *Session) onStatus(st channel.Status, err error) {
	switch st {
	case channel.StatusConnecting:
		s.setState(StateConnecting, nil)

	case channel.StatusSubscribed:
		s.state.Store(int32(StateSubscribed))
		meta := channel.Presence{
			PeerID:      s.self.PeerID,
			DisplayName: s.self.DisplayName,
			ColorHash:   ColorHue(s.self.PeerID),
			ConnectedAt: s.clock.Now().UTC(),
		}
		if err := s.sess.Track(s.ctx, meta); err != nil {
			s.logger.Warn("track presence failed", zap.Error(err))
		}
		req := RequestState{PeerID: s.self.PeerID, Name: s.self.DisplayName}
		if err := s.sess.Send(s.ctx, channel.EventRequestState, req); err != nil {
			s.logger.Warn("request-state send failed", zap.Error(err))
		}
		s.connected.Store(true)
		s.logger.Info("subscribed", zap.String("topic", s.Topic()))
		s.notify(StateSubscribed, nil)

	case channel.StatusClosed:
		s.connected.Store(false)
		if err != nil {
			s.logger.Warn("channel closed", zap.Error(err))
		} else {
			s.logger.Info("channel closed")
		}
		s.setState(StateDisconnected, err)
	}
}

// outbound ChangeObserver 产出的消息原样发出；失败不重试
func (s *Session) outbound(msg MutationMessage) {
	if s.sink != nil {
		s.sink.TryEnqueue(NewMutationEvent(s.docID, msg, s.clock.Now().UTC()))
	}
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		return
	}
	if err := sess.Send(s.ctx, channel.EventMutation, msg); err != nil {
		s.logger.Debug("mutation not sent",
			zap.String("kind", string(msg.Kind)),
			zap.Bool("connected", s.IsConnected()),
			zap.Error(err))
	}
}

func (s *Session) handleMutation(payload json.RawMessage) {
	var msg MutationMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.logger.Warn("drop undecodable mutation", zap.Error(err))
		return
	}
	if err := msg.Validate(); err != nil {
		s.logger.Warn("drop malformed mutation", zap.String("from", msg.OriginPeerID), zap.Error(err))
		return
	}
	if msg.OriginPeerID == s.self.PeerID {
		return
	}
	if err := s.apply(msg); err != nil {
		s.logger.Warn("apply remote mutation failed",
			zap.String("kind", string(msg.Kind)),
			zap.String("from", msg.OriginPeerID),
			zap.Error(err))
		return
	}
	if s.sink != nil && s.recordRemote && msg.Kind != KindFull {
		s.sink.TryEnqueue(NewMutationEvent(s.docID, msg, s.clock.Now().UTC()))
	}
}

// apply 以 OriginRemote 写入，ChangeObserver 不会把它当成本地编辑再广播。
// full 只做 put：本地有而快照里没有的记录保留。
func (s *Session) apply(msg MutationMessage) error {
	switch msg.Kind {
	case KindPut, KindFull:
		return s.store.Put(document.OriginRemote, msg.Records...)
	case KindRemove:
		return s.store.Remove(document.OriginRemote, msg.IDs...)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedMessage, msg.Kind)
	}
}

func (s *Session) handleRequestState(payload json.RawMessage) {
	var req RequestState
	if err := json.Unmarshal(payload, &req); err != nil || req.PeerID == "" {
		s.logger.Warn("drop malformed request-state", zap.ByteString("payload", payload))
		return
	}
	if req.PeerID == s.self.PeerID {
		return
	}
	full := MutationMessage{
		Kind:         KindFull,
		Records:      s.store.Snapshot().Records(),
		OriginPeerID: s.self.PeerID,
		OriginName:   s.self.DisplayName,
	}
	if err := s.sess.Send(s.ctx, channel.EventMutation, full); err != nil {
		s.logger.Warn("full state send failed", zap.String("to", req.PeerID), zap.Error(err))
		return
	}
	s.logger.Debug("answered request-state", zap.String("to", req.PeerID), zap.Int("records", len(full.Records)))
}

// Close 离开 topic，取消待保存的计时，注销 store 监听。可重复调用。
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.started.Store(true)
		s.mu.Lock()
		sess := s.sess
		s.mu.Unlock()

		s.teardown()
		if sess != nil {
			s.closeErr = sess.Leave(ctx)
		}
		s.connected.Store(false)
		s.state.Store(int32(StateDisconnected))
		s.cancel()
	})
	return s.closeErr
}

func (s *Session) teardown() {
	if s.bridge != nil {
		s.bridge.Stop()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.observer != nil {
		s.observer.Close()
		s.observer = nil
	}
	if s.unlisten != nil {
		s.unlisten()
		s.unlisten = nil
	}
}
