// internal/audio/player.go
package audio

import (
	"sync"

	"github.com/Corphon/StoryReader/internal/models"
)

// DefaultTrackBase 曲目静态资源路径前缀
const DefaultTrackBase = "/music"

// Player 会话唯一的背景音乐句柄，同一时间最多播放一首
type Player struct {
	mu       sync.Mutex
	base     string
	track    models.MusicMood
	playing  bool
	onChange func(models.AudioState)
}

// NewPlayer 创建暂停状态的播放器
func NewPlayer(base string, onChange func(models.AudioState)) *Player {
	if base == "" {
		base = DefaultTrackBase
	}
	return &Player{
		base:     base,
		track:    models.MoodNeutral,
		onChange: onChange,
	}
}

// TrackURL 情绪对应的曲目地址
func (p *Player) TrackURL(mood models.MusicMood) string {
	return p.base + "/" + string(models.ParseMusicMood(string(mood))) + ".mp3"
}

// State 当前状态
func (p *Player) State() models.AudioState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked()
}

func (p *Player) stateLocked() models.AudioState {
	return models.AudioState{
		Track:   p.track,
		URL:     p.TrackURL(p.track),
		Playing: p.playing,
	}
}

// Play 播放当前曲目
func (p *Player) Play() models.AudioState {
	return p.update(func() { p.playing = true })
}

// Pause 暂停
func (p *Player) Pause() models.AudioState {
	return p.update(func() { p.playing = false })
}

// Toggle 切换播放和暂停
func (p *Player) Toggle() models.AudioState {
	return p.update(func() { p.playing = !p.playing })
}

// Swap 切换曲目，播放状态保持不变
func (p *Player) Swap(mood models.MusicMood) models.AudioState {
	return p.update(func() { p.track = models.ParseMusicMood(string(mood)) })
}

// Stop 暂停并回到默认曲目
func (p *Player) Stop() models.AudioState {
	return p.update(func() {
		p.playing = false
		p.track = models.MoodNeutral
	})
}

func (p *Player) update(fn func()) models.AudioState {
	p.mu.Lock()
	before := p.stateLocked()
	fn()
	after := p.stateLocked()
	p.mu.Unlock()

	if after != before && p.onChange != nil {
		p.onChange(after)
	}
	return after
}
