package audio

import (
	"testing"

	"github.com/Corphon/StoryReader/internal/models"
)

// TestPlayerToggle 测试播放与暂停
func TestPlayerToggle(t *testing.T) {
	var changes []models.AudioState
	p := NewPlayer("", func(s models.AudioState) { changes = append(changes, s) })

	state := p.State()
	if state.Playing {
		t.Fatal("新建的播放器应处于暂停状态")
	}
	if state.URL != "/music/neutral.mp3" {
		t.Errorf("默认曲目地址不正确: %s", state.URL)
	}

	if !p.Toggle().Playing {
		t.Error("第一次切换后应在播放")
	}
	if p.Toggle().Playing {
		t.Error("第二次切换后应暂停")
	}

	p.Pause()
	if len(changes) != 2 {
		t.Errorf("状态未变化时不应触发回调，实际回调 %d 次", len(changes))
	}
}

// TestPlayerSwap 测试切换曲目
func TestPlayerSwap(t *testing.T) {
	p := NewPlayer("/static/music", nil)
	p.Play()

	state := p.Swap(models.MoodTense)
	if state.Track != models.MoodTense || !state.Playing {
		t.Errorf("切换曲目后应继续播放 tense，实际 %+v", state)
	}
	if state.URL != "/static/music/tense.mp3" {
		t.Errorf("曲目地址不正确: %s", state.URL)
	}

	state = p.Swap(models.MusicMood("triumphant"))
	if state.Track != models.MoodNeutral {
		t.Errorf("未知情绪应回退为 neutral，实际 %s", state.Track)
	}

	state = p.Stop()
	if state.Playing || state.Track != models.MoodNeutral {
		t.Errorf("停止后应暂停并回到默认曲目，实际 %+v", state)
	}
}
