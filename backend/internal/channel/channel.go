package channel

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// 固定的事件名
const (
	EventMutation     = "mutation"
	EventRequestState = "request-state"
	// EventPresenceSync 由适配器自己合成，没有 payload，处理函数应调用 PresenceState() 拉取
	EventPresenceSync = "presence-sync"
)

var (
	// ErrNotSubscribed 连接还没建立好，消息直接丢弃
	ErrNotSubscribed = errors.New("CHANNEL_NOT_SUBSCRIBED")
	// ErrSendFailure 传输层没能把消息放进发送队列，不重试
	ErrSendFailure = errors.New("SEND_FAILURE")
	// ErrConnectionLost 传输层报告断线
	ErrConnectionLost = errors.New("CONNECTION_LOST")
	ErrClosed         = errors.New("CHANNEL_CLOSED")
)

type Status int

const (
	StatusConnecting Status = iota
	StatusSubscribed
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusSubscribed:
		return "subscribed"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Presence 每个在线 peer 的元数据，只在会话存活期间存在
type Presence struct {
	PeerID      string    `json:"peerId"`
	DisplayName string    `json:"displayName"`
	ColorHash   int       `json:"colorHash"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type Handler func(payload json.RawMessage)

type StatusFunc func(status Status, err error)

// Transport 按 topic 加入频道。Join 不做 I/O，真正的连接在 Subscribe 里建立，
// 这样调用方可以先把 handler 都注册好。
type Transport interface {
	Join(topic string) Session
}

// Session 一个 topic 上的一次订阅。
// 同一个 Session 的 handler 和 status 回调都在同一个 goroutine 上按到达顺序执行；
// 发送方自己不会收到自己发出的消息。
type Session interface {
	Topic() string
	On(event string, h Handler)
	Subscribe(ctx context.Context, onStatus StatusFunc) error
	Track(ctx context.Context, meta Presence) error
	// Send 尽力而为：不确认、不重试、不保证跨 peer 顺序
	Send(ctx context.Context, event string, payload any) error
	PresenceState() map[string][]Presence
	Leave(ctx context.Context) error
}

// Envelope 适配器之间通用的线上格式
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	From    string          `json:"from"`
}

// Flatten 把 presenceState 摊平成列表
func Flatten(state map[string][]Presence) []Presence {
	n := 0
	for _, ps := range state {
		n += len(ps)
	}
	out := make([]Presence, 0, n)
	for _, ps := range state {
		out = append(out, ps...)
	}
	return out
}
