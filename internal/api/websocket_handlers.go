// internal/api/websocket_handlers.go
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Corphon/StoryReader/internal/reader"
	"github.com/Corphon/StoryReader/internal/utils"
)

// 客户端发来的消息
type clientMessage struct {
	Type       string `json:"type"`
	EventIndex int    `json:"event_index"`
	Hovered    bool   `json:"hovered"`
}

// WebSocketHandler 处理阅读会话的推送连接
type WebSocketHandler struct {
	sessions *reader.Manager
	manager  *WebSocketManager
	logger   *utils.Logger
}

// NewWebSocketHandler 创建 WebSocket 处理器
func NewWebSocketHandler(sessions *reader.Manager, manager *WebSocketManager) *WebSocketHandler {
	return &WebSocketHandler{
		sessions: sessions,
		manager:  manager,
		logger:   utils.GetLogger(),
	}
}

// SessionWebSocket 建立会话推送连接：通知、区域状态、音乐状态
func (wh *WebSocketHandler) SessionWebSocket(c *gin.Context) {
	sessionID := c.Param("sid")
	session, err := wh.sessions.Get(sessionID)
	if err != nil {
		NewResponseHelper().NotFound(c, "会话", sessionID)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		wh.logger.Warn("WebSocket 升级失败", map[string]interface{}{
			"session_id": sessionID,
			"error":      err.Error(),
		})
		return
	}

	client := NewWebSocketClient(conn, sessionID, GetReaderFromContext(c))
	wh.manager.Register(client)
	defer wh.manager.Unregister(client)

	go client.writePump()

	client.SendMessage(map[string]interface{}{
		"type":       "connected",
		"session_id": sessionID,
		"view":       session.View(),
		"timestamp":  time.Now().Format(time.RFC3339),
	})

	wh.readPump(client, session)
}

// readPump 在当前协程读取客户端消息，直到连接断开
func (wh *WebSocketHandler) readPump(client *WebSocketClient, session *reader.Session) {
	client.conn.SetReadDeadline(time.Now().Add(wh.manager.pingTimeout))
	client.conn.SetPongHandler(func(string) error {
		client.UpdatePing()
		client.conn.SetReadDeadline(time.Now().Add(wh.manager.pingTimeout))
		return nil
	})

	for !client.IsClosed() {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wh.logger.Debug("WebSocket 读取结束", map[string]interface{}{
					"session_id": client.sessionID,
					"error":      err.Error(),
				})
			}
			return
		}
		client.UpdatePing()
		client.conn.SetReadDeadline(time.Now().Add(wh.manager.pingTimeout))

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			client.SendError("无效的消息格式")
			continue
		}
		wh.handleMessage(client, session, msg)
	}
}

// handleMessage 处理收到的 WebSocket 消息
func (wh *WebSocketHandler) handleMessage(client *WebSocketClient, session *reader.Session, msg clientMessage) {
	switch msg.Type {
	case "ping":
		client.SendMessage(map[string]interface{}{
			"type":      "pong",
			"timestamp": time.Now().Unix(),
		})
	case "hover":
		// 区域状态变化会经由通知中心推回
		region, err := session.Region(msg.EventIndex)
		if err != nil {
			client.SendError(err.Error())
			return
		}
		region.SetHovered(msg.Hovered)
	default:
		client.SendError("未知的消息类型: " + msg.Type)
	}
}

// GetWebSocketStatus 获取 WebSocket 连接状态（调试用）
func (wh *WebSocketHandler) GetWebSocketStatus(c *gin.Context) {
	status := wh.manager.GetStatus()
	status["timestamp"] = time.Now().Format(time.RFC3339)
	c.JSON(http.StatusOK, status)
}

// CleanupWebSocketConnections 手动清理过期连接
func (wh *WebSocketHandler) CleanupWebSocketConnections(c *gin.Context) {
	removed := wh.manager.cleanupExpiredConnections()
	NewResponseHelper().Success(c, gin.H{"removed": removed}, "连接清理已执行")
}
