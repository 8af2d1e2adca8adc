// internal/notify/notify.go
package notify

import (
	"sync"
	"time"

	"github.com/Corphon/StoryReader/internal/models"
	"github.com/Corphon/StoryReader/internal/utils"
)

// 推送消息类型
const (
	MessageNotification = "notification"
	MessageRegion       = "region"
	MessageAudio        = "audio"
	MessageChat         = "chat"
	MessageView         = "view"
)

// 用户可见的通知文案
const (
	SceneLoaded       = "Scene image loaded!"
	SceneFailed       = "Could not load scene image."
	TextCopied        = "Text copied to clipboard!"
	FeatureComingSoon = "Feature coming soon"
	ChapterLoadFailed = "Failed to load book chapter"
	CharactersFailed  = "Failed to load characters"
	UploadSucceeded   = "Book uploaded successfully!"
	UploadFailed      = "Error uploading file."
	ChatUnreachable   = "Could not reach the server."
	ChapterNotFound   = "Book chapter not found"
	NoCharactersFound = "No characters found."
	NoSummaryFound    = "No summary found."
	NoChatResponse    = "No response."
)

// Message 推送给页面的消息
type Message struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Notifier 发送通知
type Notifier interface {
	Notify(n models.Notification)
}

// Publisher 推送任意类型的会话消息
type Publisher interface {
	Notifier
	Publish(sessionID, msgType string, data interface{})
}

// Sink 消息的最终接收方，例如 WebSocket 管理器
type Sink interface {
	Deliver(msg Message)
}

// SinkFunc 函数适配器
type SinkFunc func(msg Message)

// Deliver 实现 Sink
func (f SinkFunc) Deliver(msg Message) { f(msg) }

// Hub 将消息扇出到所有已注册的 Sink
type Hub struct {
	mu      sync.RWMutex
	sinks   map[int]Sink
	nextID  int
	now     func() time.Time
	metrics *utils.MetricsCollector
}

// NewHub 创建 Hub
func NewHub() *Hub {
	return &Hub{
		sinks:   make(map[int]Sink),
		now:     time.Now,
		metrics: utils.GetMetricsCollector(),
	}
}

// Subscribe 注册 Sink，返回取消函数
func (h *Hub) Subscribe(sink Sink) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.sinks[id] = sink
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.sinks, id)
			h.mu.Unlock()
		})
	}
}

// Notify 补全时间戳后推送通知
func (h *Hub) Notify(n models.Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = h.now()
	}
	h.metrics.IncrementCounter(utils.MetricNotificationsSent)

	utils.GetLogger().Debug("发送通知", map[string]interface{}{
		"session_id": n.SessionID,
		"level":      n.Level,
		"message":    n.Message,
	})

	h.deliver(Message{
		Type:      MessageNotification,
		SessionID: n.SessionID,
		Data:      n,
		Timestamp: n.Timestamp,
	})
}

// Publish 推送会话消息
func (h *Hub) Publish(sessionID, msgType string, data interface{}) {
	h.deliver(Message{
		Type:      msgType,
		SessionID: sessionID,
		Data:      data,
		Timestamp: h.now(),
	})
}

func (h *Hub) deliver(msg Message) {
	h.mu.RLock()
	sinks := make([]Sink, 0, len(h.sinks))
	for _, s := range h.sinks {
		sinks = append(sinks, s)
	}
	h.mu.RUnlock()

	for _, s := range sinks {
		s.Deliver(msg)
	}
}

// Success 构造成功通知
func Success(sessionID, message string) models.Notification {
	return models.Notification{SessionID: sessionID, Level: models.LevelSuccess, Message: message}
}

// Failure 构造错误通知
func Failure(sessionID, message string) models.Notification {
	return models.Notification{SessionID: sessionID, Level: models.LevelError, Message: message}
}

// Info 构造提示通知
func Info(sessionID, message string) models.Notification {
	return models.Notification{SessionID: sessionID, Level: models.LevelInfo, Message: message}
}

// ForEvent 关联到事件区域
func ForEvent(n models.Notification, eventIndex int) models.Notification {
	idx := eventIndex
	n.EventIndex = &idx
	return n
}
