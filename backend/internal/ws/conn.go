package ws

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"boardsync/backend/internal/channel"
)

const (
	// full 消息会带上整份文档，读上限放宽一些
	maxMessageSize = 8 << 20
	sendQueueSize  = 64
	writeWait      = 10 * time.Second
)

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	id       string
	userID   string
	username string

	mu     sync.Mutex
	topic  string
	meta   *channel.Presence
	closed bool
	// 出站队列，由 writeLoop 单独消费
	send chan ServerMessage
}

func NewConn(ws *websocket.Conn, hub *Hub, userID, username string) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		id:       uuid.NewString(),
		userID:   userID,
		username: username,
		send:     make(chan ServerMessage, sendQueueSize),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Meta() *channel.Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.meta == nil {
		return nil
	}
	m := *c.meta
	return &m
}

func (c *Conn) setMeta(meta channel.Presence) {
	c.mu.Lock()
	c.meta = &meta
	c.mu.Unlock()
}

func (c *Conn) currentTopic() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topic
}

// Enqueue 非阻塞入队，队列满或连接已关闭时丢弃
func (c *Conn) Enqueue(msg ServerMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		c.hub.logger.Warn("send queue full, drop message", zap.String("type", msg.Type), zap.String("conn", c.id), zap.String("topic", c.topic))
	}
}

func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Conn) leaveCurrent(ctx context.Context) {
	c.mu.Lock()
	topic := c.topic
	c.topic = ""
	c.mu.Unlock()
	if topic == "" {
		return
	}
	if c.hub.Leave(ctx, topic, c) {
		c.hub.BroadcastPresence(topic)
	}
	c.mu.Lock()
	c.meta = nil
	c.mu.Unlock()
}

func (c *Conn) fail(content string) {
	c.Enqueue(ServerMessage{Type: TypeError, Content: content})
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.closeSend()
	defer c.leaveCurrent(context.Background())

	c.ws.SetReadLimit(maxMessageSize)
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Debug("read json error", zap.String("user", c.userID), zap.String("conn", c.id), zap.Error(err))
			}
			return
		}
		switch msg.Type {
		case TypeJoin:
			if msg.Topic == "" {
				c.fail("MISSING_TOPIC")
				continue
			}
			// 同一个连接只在一个房间里，切换时先离开旧房间
			if cur := c.currentTopic(); cur != "" && cur != msg.Topic {
				c.leaveCurrent(ctx)
			}
			c.mu.Lock()
			c.topic = msg.Topic
			c.mu.Unlock()
			c.hub.Join(msg.Topic, c)
			c.Enqueue(ServerMessage{Type: TypeJoined, Topic: msg.Topic, From: c.id})
			c.Enqueue(ServerMessage{Type: TypePresenceState, Topic: msg.Topic, Presence: c.hub.PresenceState(msg.Topic)})

		case TypeTrack:
			topic := c.currentTopic()
			if topic == "" || msg.Presence == nil {
				c.fail("NOT_JOINED")
				continue
			}
			meta := *msg.Presence
			if meta.PeerID == "" {
				meta.PeerID = c.id
			}
			if meta.DisplayName == "" {
				meta.DisplayName = c.username
			}
			c.hub.Track(ctx, topic, c, meta)
			c.hub.BroadcastPresence(topic)

		case TypeBroadcast:
			topic := c.currentTopic()
			if topic == "" {
				c.fail("NOT_JOINED")
				continue
			}
			if msg.Event == "" {
				c.fail("MISSING_EVENT")
				continue
			}
			c.hub.Broadcast(topic, c, ServerMessage{
				Type:    TypeBroadcast,
				Topic:   topic,
				Event:   msg.Event,
				Payload: msg.Payload,
				From:    c.id,
			})

		case TypeHeartbeat:
			if topic := c.currentTopic(); topic != "" {
				c.hub.Heartbeat(ctx, topic, c)
			}
			c.Enqueue(ServerMessage{Type: TypeFeedback, Content: "heartbeat received"})

		case TypeLeave:
			c.leaveCurrent(ctx)

		default:
			c.fail("UNKNOWN_MESSAGE_TYPE")
		}
	}
}

func (c *Conn) writeLoop() {
	// 持续消费通道中的 ServerMessage
	for msg := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteJSON(msg); err != nil {
			c.hub.logger.Debug("write json error", zap.String("conn", c.id), zap.Error(err))
			_ = c.ws.Close()
			// 继续 drain，直到 readLoop 关闭 send
			for range c.send {
			}
			return
		}
	}
}
