// internal/models/audio.go
package models

// AudioState 背景音乐播放状态
type AudioState struct {
	Track   MusicMood `json:"track"`
	URL     string    `json:"url"`
	Playing bool      `json:"playing"`
}
