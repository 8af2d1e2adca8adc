// internal/models/chapter.go
package models

import "strings"

// MusicMood 章节背景音乐情绪，取值固定
type MusicMood string

const (
	MoodNeutral MusicMood = "neutral"
	MoodHopeful MusicMood = "hopeful"
	MoodTense   MusicMood = "tense"
	MoodSad     MusicMood = "sad"
	MoodDark    MusicMood = "dark"
)

// AllMoods 返回全部可播放的情绪曲目
func AllMoods() []MusicMood {
	return []MusicMood{MoodNeutral, MoodHopeful, MoodTense, MoodSad, MoodDark}
}

// ParseMusicMood 解析情绪，未知取值回退为 neutral
func ParseMusicMood(s string) MusicMood {
	mood := MusicMood(strings.ToLower(strings.TrimSpace(s)))
	for _, m := range AllMoods() {
		if m == mood {
			return m
		}
	}
	return MoodNeutral
}

// ChapterContent 某本书某一章的内容，获取后不可变
type ChapterContent struct {
	BookID        int       `json:"book_id"`
	Title         string    `json:"title"`
	Author        string    `json:"author"`
	ChapterNumber int       `json:"chapter_number"`
	ChapterTitle  string    `json:"chapter_title,omitempty"`
	Content       string    `json:"content"`
	MusicMood     MusicMood `json:"music_mood"`
}

// ChapterKey 章节缓存键
type ChapterKey struct {
	BookID  int
	Chapter int
}
