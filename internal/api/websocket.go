// internal/api/websocket.go
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Corphon/StoryReader/internal/notify"
	"github.com/Corphon/StoryReader/internal/utils"
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	sendQueueSize = 64
	writeWait     = 10 * time.Second
	pingPeriod    = 54 * time.Second
)

// WebSocketConnection 定义 WebSocket 连接的接口
type WebSocketConnection interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// WebSocketClient 一个阅读会话的推送连接
type WebSocketClient struct {
	conn      WebSocketConnection
	sessionID string
	readerID  string
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closed    int32
	lastPing  int64 // unix nano
	createdAt time.Time
}

// NewWebSocketClient 包装连接
func NewWebSocketClient(conn WebSocketConnection, sessionID, readerID string) *WebSocketClient {
	now := time.Now()
	return &WebSocketClient{
		conn:      conn,
		sessionID: sessionID,
		readerID:  readerID,
		send:      make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
		lastPing:  now.UnixNano(),
		createdAt: now,
	}
}

// Close 安全关闭客户端连接，可重复调用
func (client *WebSocketClient) Close() {
	client.closeOnce.Do(func() {
		atomic.StoreInt32(&client.closed, 1)
		close(client.done)
		if client.conn != nil {
			client.conn.Close()
		}
	})
}

// IsClosed 检查连接是否已关闭
func (client *WebSocketClient) IsClosed() bool {
	return atomic.LoadInt32(&client.closed) == 1
}

// UpdatePing 更新最后活跃时间
func (client *WebSocketClient) UpdatePing() {
	atomic.StoreInt64(&client.lastPing, time.Now().UnixNano())
}

// LastPing 最后活跃时间
func (client *WebSocketClient) LastPing() time.Time {
	return time.Unix(0, atomic.LoadInt64(&client.lastPing))
}

// IsExpired 检查连接是否超时
func (client *WebSocketClient) IsExpired(timeout time.Duration) bool {
	if timeout <= 0 {
		return true
	}
	return time.Since(client.LastPing()) > timeout
}

// SendMessage 非阻塞发送，队列满时丢弃
func (client *WebSocketClient) SendMessage(message interface{}) bool {
	if client.IsClosed() {
		return false
	}
	msgBytes, err := json.Marshal(message)
	if err != nil {
		utils.GetLogger().Warn("序列化推送消息失败", map[string]interface{}{
			"session_id": client.sessionID,
			"error":      err.Error(),
		})
		return false
	}
	return client.enqueue(msgBytes)
}

func (client *WebSocketClient) enqueue(msgBytes []byte) bool {
	select {
	case <-client.done:
		return false
	case client.send <- msgBytes:
		return true
	default:
		utils.GetLogger().Warn("推送队列已满，消息被丢弃", map[string]interface{}{
			"session_id": client.sessionID,
		})
		return false
	}
}

// SendError 发送错误消息到客户端
func (client *WebSocketClient) SendError(errorMsg string) {
	client.SendMessage(map[string]interface{}{
		"type":      "error",
		"error":     errorMsg,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// writePump 将队列中的消息写入连接，并定期发送 ping
func (client *WebSocketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Close()
	}()

	for {
		select {
		case message := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-client.done:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			client.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// WebSocketManager 按会话管理推送连接，实现 notify.Sink
type WebSocketManager struct {
	connections map[string]map[*WebSocketClient]struct{} // sessionID -> clients
	broadcast   chan notify.Message
	stopChan    chan struct{}
	stopOnce    sync.Once
	startOnce   sync.Once
	wg          sync.WaitGroup
	mutex       sync.RWMutex
	pingTimeout time.Duration
	metrics     *utils.MetricsCollector
	logger      *utils.Logger
}

// NewWebSocketManager 创建管理器
func NewWebSocketManager(pingTimeout time.Duration, metrics *utils.MetricsCollector) *WebSocketManager {
	if pingTimeout <= 0 {
		pingTimeout = 60 * time.Second
	}
	if metrics == nil {
		metrics = utils.GetMetricsCollector()
	}
	return &WebSocketManager{
		connections: make(map[string]map[*WebSocketClient]struct{}),
		broadcast:   make(chan notify.Message, 256),
		stopChan:    make(chan struct{}),
		pingTimeout: pingTimeout,
		metrics:     metrics,
		logger:      utils.GetLogger(),
	}
}

// Start 启动分发循环
func (manager *WebSocketManager) Start() {
	manager.startOnce.Do(func() {
		manager.wg.Add(1)
		go manager.run()
	})
}

// Stop 关闭所有连接并退出分发循环
func (manager *WebSocketManager) Stop() {
	manager.stopOnce.Do(func() { close(manager.stopChan) })
	manager.wg.Wait()
	manager.shutdown()
}

// run 运行 WebSocket 管理器主循环
func (manager *WebSocketManager) run() {
	defer manager.wg.Done()
	cleanupTicker := time.NewTicker(30 * time.Second)
	defer cleanupTicker.Stop()

	for {
		select {
		case msg := <-manager.broadcast:
			manager.BroadcastToSession(msg.SessionID, msg)
		case <-cleanupTicker.C:
			manager.cleanupExpiredConnections()
		case <-manager.stopChan:
			return
		}
	}
}

// Deliver 实现 notify.Sink。只入队，不阻塞调用方。
func (manager *WebSocketManager) Deliver(msg notify.Message) {
	if msg.SessionID == "" {
		return
	}
	select {
	case manager.broadcast <- msg:
	case <-manager.stopChan:
	default:
		manager.logger.Warn("推送分发队列已满，消息被丢弃", map[string]interface{}{
			"session_id": msg.SessionID,
			"type":       msg.Type,
		})
	}
}

// Register 注册客户端
func (manager *WebSocketManager) Register(client *WebSocketClient) {
	manager.mutex.Lock()
	if manager.connections[client.sessionID] == nil {
		manager.connections[client.sessionID] = make(map[*WebSocketClient]struct{})
	}
	manager.connections[client.sessionID][client] = struct{}{}
	manager.mutex.Unlock()

	client.UpdatePing()
	manager.metrics.IncGauge(utils.MetricWebSocketClients)
	manager.logger.Info("推送连接已建立", map[string]interface{}{
		"session_id": client.sessionID,
		"reader_id":  client.readerID,
	})
}

// Unregister 注销并关闭客户端，可重复调用
func (manager *WebSocketManager) Unregister(client *WebSocketClient) {
	manager.mutex.Lock()
	removed := false
	if clients, exists := manager.connections[client.sessionID]; exists {
		if _, ok := clients[client]; ok {
			delete(clients, client)
			removed = true
		}
		if len(clients) == 0 {
			delete(manager.connections, client.sessionID)
		}
	}
	manager.mutex.Unlock()

	client.Close()
	if removed {
		manager.metrics.DecGauge(utils.MetricWebSocketClients)
		manager.logger.Info("推送连接已断开", map[string]interface{}{
			"session_id": client.sessionID,
		})
	}
}

// CloseSession 关闭某个会话的全部连接
func (manager *WebSocketManager) CloseSession(sessionID string) {
	for _, client := range manager.clients(sessionID) {
		manager.Unregister(client)
	}
}

func (manager *WebSocketManager) clients(sessionID string) []*WebSocketClient {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()
	out := make([]*WebSocketClient, 0, len(manager.connections[sessionID]))
	for client := range manager.connections[sessionID] {
		out = append(out, client)
	}
	return out
}

// cleanupExpiredConnections 清理过期和已关闭的连接
func (manager *WebSocketManager) cleanupExpiredConnections() int {
	manager.mutex.RLock()
	expired := make([]*WebSocketClient, 0)
	for _, clients := range manager.connections {
		for client := range clients {
			if client.IsClosed() || client.IsExpired(manager.pingTimeout) {
				expired = append(expired, client)
			}
		}
	}
	manager.mutex.RUnlock()

	for _, client := range expired {
		manager.Unregister(client)
	}
	return len(expired)
}

// BroadcastToSession 向会话的所有连接发送消息
func (manager *WebSocketManager) BroadcastToSession(sessionID string, message interface{}) int {
	msgBytes, err := json.Marshal(message)
	if err != nil {
		manager.logger.Error("序列化广播消息失败", map[string]interface{}{
			"session_id": sessionID,
			"error":      err.Error(),
		})
		return 0
	}

	sent := 0
	for _, client := range manager.clients(sessionID) {
		if client.enqueue(msgBytes) {
			sent++
		}
	}
	return sent
}

// shutdown 关闭所有连接
func (manager *WebSocketManager) shutdown() {
	manager.mutex.Lock()
	all := make([]*WebSocketClient, 0)
	for _, clients := range manager.connections {
		for client := range clients {
			all = append(all, client)
		}
	}
	manager.connections = make(map[string]map[*WebSocketClient]struct{})
	manager.mutex.Unlock()

	for _, client := range all {
		client.Close()
	}
	manager.metrics.SetGauge(utils.MetricWebSocketClients, 0)
}

// GetStatus 获取管理器状态
func (manager *WebSocketManager) GetStatus() map[string]interface{} {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()

	sessions := make(map[string]interface{})
	total := 0
	for sessionID, clients := range manager.connections {
		active := 0
		readers := make([]interface{}, 0)
		for client := range clients {
			if client.IsClosed() {
				continue
			}
			active++
			readers = append(readers, map[string]interface{}{
				"reader_id":    client.readerID,
				"connected_at": client.createdAt.Format(time.RFC3339),
				"last_ping":    client.LastPing().Format(time.RFC3339),
			})
		}
		sessions[sessionID] = map[string]interface{}{
			"client_count": active,
			"readers":      readers,
		}
		total += active
	}

	return map[string]interface{}{
		"total_sessions":       len(manager.connections),
		"total_connections":    total,
		"sessions":             sessions,
		"ping_timeout_seconds": int(manager.pingTimeout.Seconds()),
	}
}
