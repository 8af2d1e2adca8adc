// internal/notify/recorder.go
package notify

import (
	"sync"

	"github.com/Corphon/StoryReader/internal/models"
)

// Recorder 在内存中记录通知和消息
type Recorder struct {
	mu            sync.Mutex
	notifications []models.Notification
	messages      []Message
}

// NewRecorder 创建记录器
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Notify 实现 Notifier
func (r *Recorder) Notify(n models.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, n)
}

// Publish 实现 Publisher
func (r *Recorder) Publish(sessionID, msgType string, data interface{}) {
	r.Deliver(Message{Type: msgType, SessionID: sessionID, Data: data})
}

// Deliver 实现 Sink
func (r *Recorder) Deliver(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	if n, ok := msg.Data.(models.Notification); ok && msg.Type == MessageNotification {
		r.notifications = append(r.notifications, n)
	}
}

// Notifications 已记录通知的副本
func (r *Recorder) Notifications() []models.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Notification, len(r.notifications))
	copy(out, r.notifications)
	return out
}

// Messages 已记录消息的副本
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Count 指定级别的通知数
func (r *Recorder) Count(level models.NotificationLevel) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, item := range r.notifications {
		if item.Level == level {
			n++
		}
	}
	return n
}

// Reset 清空记录
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = nil
	r.messages = nil
}
