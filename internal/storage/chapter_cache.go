// internal/storage/chapter_cache.go
package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/Corphon/StoryReader/internal/models"
)

// ChapterCache 章节内容的内存缓存，按最近读取淘汰并带过期时间。
// 章节内容获取后不可变，缓存中的指针可以直接共享。
type ChapterCache struct {
	cache      map[models.ChapterKey]*chapterEntry
	mutex      sync.Mutex
	maxSize    int           // 最大缓存条目数
	expiration time.Duration // 缓存过期时间
	tick       uint64        // 读取序号，比时间戳更适合排序
	now        func() time.Time
}

type chapterEntry struct {
	chapter   *models.ChapterContent
	createdAt time.Time
	lastRead  uint64
}

// NewChapterCache 创建章节缓存
func NewChapterCache(maxSize int, expiration time.Duration) *ChapterCache {
	if maxSize <= 0 {
		maxSize = 200
	}
	if expiration <= 0 {
		expiration = 30 * time.Minute
	}

	return &ChapterCache{
		cache:      make(map[models.ChapterKey]*chapterEntry),
		maxSize:    maxSize,
		expiration: expiration,
		now:        time.Now,
	}
}

// Get 读取缓存，过期条目视为不存在并删除
func (s *ChapterCache) Get(key models.ChapterKey) (*models.ChapterContent, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entry, exists := s.cache[key]
	if !exists {
		return nil, false
	}
	if s.now().Sub(entry.createdAt) > s.expiration {
		delete(s.cache, key)
		return nil, false
	}

	s.tick++
	entry.lastRead = s.tick
	return entry.chapter, true
}

// Put 写入缓存，超出容量时清理最少使用的条目
func (s *ChapterCache) Put(key models.ChapterKey, chapter *models.ChapterContent) {
	if chapter == nil {
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.tick++
	s.cache[key] = &chapterEntry{
		chapter:   chapter,
		createdAt: s.now(),
		lastRead:  s.tick,
	}

	if len(s.cache) > s.maxSize {
		// 清理 20%，至少 1 个
		s.cleanupLRU(max(1, s.maxSize/5))
	}
}

// Delete 删除条目
func (s *ChapterCache) Delete(key models.ChapterKey) {
	s.mutex.Lock()
	delete(s.cache, key)
	s.mutex.Unlock()
}

// Len 当前条目数
func (s *ChapterCache) Len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.cache)
}

// Clear 清空缓存
func (s *ChapterCache) Clear() {
	s.mutex.Lock()
	s.cache = make(map[models.ChapterKey]*chapterEntry)
	s.mutex.Unlock()
}

// cleanupLRU 调用方需持有锁
func (s *ChapterCache) cleanupLRU(count int) {
	type keyAge struct {
		key  models.ChapterKey
		read uint64
	}

	entries := make([]keyAge, 0, len(s.cache))
	for k, v := range s.cache {
		entries = append(entries, keyAge{k, v.lastRead})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].read < entries[j].read
	})

	for i := 0; i < min(count, len(entries)); i++ {
		delete(s.cache, entries[i].key)
	}
}
