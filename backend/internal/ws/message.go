package ws

import (
	"encoding/json"

	"boardsync/backend/internal/channel"
)

// 客户端 -> relay
const (
	TypeJoin      = "join"
	TypeTrack     = "track"
	TypeBroadcast = "broadcast"
	TypeHeartbeat = "heartbeat"
	TypeLeave     = "leave"
)

// relay -> 客户端
const (
	TypeJoined        = "joined"
	TypePresenceState = "presence_state"
	TypeFeedback      = "feedback"
	TypeError         = "error"
)

type ClientMessage struct {
	Type     string            `json:"type"`
	Topic    string            `json:"topic,omitempty"`
	Event    string            `json:"event,omitempty"`
	Payload  json.RawMessage   `json:"payload,omitempty"`
	Presence *channel.Presence `json:"presence,omitempty"`
}

type ServerMessage struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// 发送方连接 id
	From     string                        `json:"from,omitempty"`
	Presence map[string][]channel.Presence `json:"presence,omitempty"`
	Content  string                        `json:"content,omitempty"`
}
