// Package wschannel 通过 websocket 连接 sync_server 的 relay，实现 channel.Transport
package wschannel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"boardsync/backend/internal/channel"
	"boardsync/backend/internal/ws"
)

const (
	defaultHeartbeat = 30 * time.Second
	sendQueueSize    = 256
	writeWait        = 10 * time.Second
)

type Transport struct {
	url       string
	token     string
	dialer    *websocket.Dialer
	heartbeat time.Duration
	logger    *zap.Logger
}

type Option func(*Transport)

func WithToken(token string) Option { return func(t *Transport) { t.token = token } }

func WithHeartbeat(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.heartbeat = d
		}
	}
}

func WithDialer(d *websocket.Dialer) Option { return func(t *Transport) { t.dialer = d } }

func WithLogger(l *zap.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// New url 形如 ws://127.0.0.1:8080/sync/ws
func New(url string, opts ...Option) *Transport {
	t := &Transport{url: url, dialer: websocket.DefaultDialer, heartbeat: defaultHeartbeat, logger: zap.NewNop()}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Transport) Join(topic string) channel.Session {
	return &session{
		t:     t,
		topic: topic,
		send:  make(chan ws.ClientMessage, sendQueueSize),
		quit:  make(chan struct{}),
		state: map[string][]channel.Presence{},
	}
}

type session struct {
	t     *Transport
	topic string

	handlers channel.Handlers

	mu         sync.Mutex
	conn       *websocket.Conn
	subscribed bool
	leaving    bool
	state      map[string][]channel.Presence

	send     chan ws.ClientMessage
	quit     chan struct{}
	quitOnce sync.Once
}

func (s *session) Topic() string { return s.topic }

func (s *session) On(event string, h channel.Handler) { s.handlers.On(event, h) }

func (s *session) Subscribe(ctx context.Context, onStatus channel.StatusFunc) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return fmt.Errorf("topic %s: already subscribed", s.topic)
	}
	if s.leaving {
		s.mu.Unlock()
		return channel.ErrClosed
	}
	s.mu.Unlock()

	header := http.Header{}
	if s.t.token != "" {
		header.Set("Authorization", "Bearer "+s.t.token)
	}
	conn, resp, err := s.t.dialer.DialContext(ctx, s.t.url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("%w: dial %s: %v (status %d)", channel.ErrConnectionLost, s.t.url, err, resp.StatusCode)
		}
		return fmt.Errorf("%w: dial %s: %v", channel.ErrConnectionLost, s.t.url, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	// join 帧先于其他任何帧
	s.send <- ws.ClientMessage{Type: ws.TypeJoin, Topic: s.topic}
	go s.writeLoop(conn)
	go s.readLoop(conn, onStatus)
	return nil
}

func (s *session) readLoop(conn *websocket.Conn, onStatus channel.StatusFunc) {
	report := func(st channel.Status, err error) {
		if onStatus != nil {
			onStatus(st, err)
		}
	}
	for {
		var msg ws.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			s.mu.Lock()
			s.subscribed = false
			leaving := s.leaving
			s.mu.Unlock()
			s.stop()
			if leaving {
				report(channel.StatusClosed, nil)
			} else {
				s.t.logger.Warn("read error", zap.String("topic", s.topic), zap.Error(err))
				report(channel.StatusClosed, fmt.Errorf("%w: %v", channel.ErrConnectionLost, err))
			}
			return
		}
		switch msg.Type {
		case ws.TypeJoined:
			s.mu.Lock()
			s.subscribed = true
			s.mu.Unlock()
			report(channel.StatusSubscribed, nil)
		case ws.TypeBroadcast:
			s.handlers.Dispatch(msg.Event, msg.Payload)
		case ws.TypePresenceState:
			s.mu.Lock()
			s.state = msg.Presence
			if s.state == nil {
				s.state = map[string][]channel.Presence{}
			}
			s.mu.Unlock()
			s.handlers.Dispatch(channel.EventPresenceSync, nil)
		case ws.TypeError:
			s.t.logger.Warn("relay error", zap.String("topic", s.topic), zap.String("content", msg.Content))
		}
	}
}

func (s *session) writeLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(s.t.heartbeat)
	defer ticker.Stop()
	defer conn.Close()

	write := func(msg ws.ClientMessage) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			s.t.logger.Warn("write error", zap.String("topic", s.topic), zap.Error(err))
			return false
		}
		return true
	}
	for {
		select {
		case msg := <-s.send:
			if !write(msg) {
				return
			}
		case <-ticker.C:
			if !write(ws.ClientMessage{Type: ws.TypeHeartbeat}) {
				return
			}
		case <-s.quit:
			// 把已经排队的帧发完再关
			for {
				select {
				case msg := <-s.send:
					if !write(msg) {
						return
					}
				default:
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(writeWait))
					return
				}
			}
		}
	}
}

func (s *session) stop() {
	s.quitOnce.Do(func() { close(s.quit) })
}

func (s *session) enqueue(msg ws.ClientMessage) error {
	select {
	case <-s.quit:
		return channel.ErrClosed
	default:
	}
	select {
	case s.send <- msg:
		return nil
	default:
		return fmt.Errorf("%w: send queue full (topic=%s)", channel.ErrSendFailure, s.topic)
	}
}

func (s *session) Track(ctx context.Context, meta channel.Presence) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	ok := s.subscribed
	s.mu.Unlock()
	if !ok {
		return channel.ErrNotSubscribed
	}
	m := meta
	return s.enqueue(ws.ClientMessage{Type: ws.TypeTrack, Topic: s.topic, Presence: &m})
}

func (s *session) Send(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
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
	return s.enqueue(ws.ClientMessage{Type: ws.TypeBroadcast, Topic: s.topic, Event: event, Payload: raw})
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
	connected := s.conn != nil
	s.mu.Unlock()

	if connected {
		_ = s.enqueue(ws.ClientMessage{Type: ws.TypeLeave, Topic: s.topic})
	}
	s.stop()
	return nil
}
