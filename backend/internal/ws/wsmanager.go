package ws

import (
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// 允许本地开发环境的来源
var defaultAllowedOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

type Manager struct {
	h        *Hub
	upgrader websocket.Upgrader
}

// NewManager allowedOrigins 为空时只允许本地来源
func NewManager(h *Hub, allowedOrigins []string) *Manager {
	if len(allowedOrigins) == 0 {
		allowedOrigins = defaultAllowedOrigins
	}
	m := &Manager{h: h}
	m.upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || origin == "null" { // 非浏览器客户端通常不发送 Origin
			return true
		}
		for _, p := range allowedOrigins {
			if p == "*" || strings.HasPrefix(origin, p) {
				return true
			}
		}
		return false
	}}
	return m
}

// WebSocketConnect 需要挂在 AuthMiddleware 之后，userId/username 从 gin.Context 取
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetString("userId")
	username := c.GetString("username")

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.h.logger.Warn("websocket upgrade failed", zap.String("origin", c.Request.Header.Get("Origin")), zap.Error(err))
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.h, userID, username)

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	// 读循环阻塞至连接关闭
	wsConn.readLoop(c.Request.Context())
}

// PresenceSnapshot GET /sync/presence/:topic
func (m *Manager) PresenceSnapshot(c *gin.Context) {
	topic := c.Param("topic")
	members, err := m.h.SharedPresence(c.Request.Context(), topic)
	if err != nil {
		m.h.logger.Warn("load presence failed", zap.String("topic", topic), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"code": "PRESENCE_UNAVAILABLE", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"topic": topic, "members": members})
}

// ActiveTopics GET /sync/topics
func (m *Manager) ActiveTopics(c *gin.Context) {
	topics, err := m.h.ActiveTopics(c.Request.Context())
	if err != nil {
		m.h.logger.Warn("load topics failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"code": "PRESENCE_UNAVAILABLE", "message": err.Error()})
		return
	}
	sort.Strings(topics)
	c.JSON(http.StatusOK, gin.H{"topics": topics})
}
