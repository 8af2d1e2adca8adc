// internal/models/notification.go
package models

import "time"

// NotificationLevel 通知级别
type NotificationLevel string

const (
	LevelSuccess NotificationLevel = "success"
	LevelError   NotificationLevel = "error"
	LevelInfo    NotificationLevel = "info"
)

// Notification 用户可见、可关闭的通知
type Notification struct {
	SessionID  string            `json:"session_id"`
	Level      NotificationLevel `json:"level"`
	Message    string            `json:"message"`
	EventIndex *int              `json:"event_index,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}
