package storage

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Corphon/StoryReader/internal/models"
)

func chapter(book, n int) *models.ChapterContent {
	return &models.ChapterContent{BookID: book, ChapterNumber: n, Content: "<p>x</p>"}
}

// TestChapterCacheGetPut 测试基本读写
func TestChapterCacheGetPut(t *testing.T) {
	cache := NewChapterCache(10, time.Minute)
	key := models.ChapterKey{BookID: 1, Chapter: 2}

	if _, ok := cache.Get(key); ok {
		t.Fatal("空缓存不应命中")
	}

	want := chapter(1, 2)
	cache.Put(key, want)
	got, ok := cache.Get(key)
	if !ok || got != want {
		t.Fatal("写入后应命中同一章节")
	}

	cache.Put(key, nil)
	if got, _ := cache.Get(key); got != want {
		t.Error("写入 nil 不应覆盖已有条目")
	}

	cache.Delete(key)
	if cache.Len() != 0 {
		t.Errorf("删除后缓存应为空，实际 %d", cache.Len())
	}
}

// TestChapterCacheExpiration 测试过期
func TestChapterCacheExpiration(t *testing.T) {
	cache := NewChapterCache(10, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	key := models.ChapterKey{BookID: 1, Chapter: 1}
	cache.Put(key, chapter(1, 1))

	now = now.Add(59 * time.Second)
	if _, ok := cache.Get(key); !ok {
		t.Fatal("未过期时应命中")
	}

	now = now.Add(2 * time.Second)
	if _, ok := cache.Get(key); ok {
		t.Fatal("过期后不应命中")
	}
	if cache.Len() != 0 {
		t.Error("过期条目应被删除")
	}
}

// TestChapterCacheEvictsLeastRecentlyRead 测试按最近读取淘汰
func TestChapterCacheEvictsLeastRecentlyRead(t *testing.T) {
	cache := NewChapterCache(3, time.Hour)
	for i := 1; i <= 3; i++ {
		cache.Put(models.ChapterKey{BookID: 1, Chapter: i}, chapter(1, i))
	}

	// 第 1 章最近被读取，第 2 章成为最久未用
	cache.Get(models.ChapterKey{BookID: 1, Chapter: 1})
	cache.Put(models.ChapterKey{BookID: 1, Chapter: 4}, chapter(1, 4))

	if cache.Len() != 3 {
		t.Fatalf("淘汰后应剩 3 个条目，实际 %d", cache.Len())
	}
	if _, ok := cache.Get(models.ChapterKey{BookID: 1, Chapter: 2}); ok {
		t.Error("第 2 章应被淘汰")
	}
	for _, n := range []int{1, 3, 4} {
		if _, ok := cache.Get(models.ChapterKey{BookID: 1, Chapter: n}); !ok {
			t.Errorf("第 %d 章应仍在缓存中", n)
		}
	}
}

// TestChapterCacheConcurrent 并发读写
func TestChapterCacheConcurrent(t *testing.T) {
	cache := NewChapterCache(50, time.Hour)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := models.ChapterKey{BookID: g, Chapter: i}
				cache.Put(key, chapter(g, i))
				cache.Get(key)
			}
		}(g)
	}
	wg.Wait()

	if cache.Len() > 50 {
		t.Errorf("缓存条目数不应超过上限，实际 %d", cache.Len())
	}
}

// TestPreferenceStore 测试偏好读写
func TestPreferenceStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewPreferenceStore(filepath.Join(dir, "readers"))
	if err != nil {
		t.Fatalf("创建偏好存储失败: %v", err)
	}

	pref, err := store.Load("reader-1")
	if err != nil || pref != nil {
		t.Fatalf("不存在的读者应返回 nil, nil，实际 %v, %v", pref, err)
	}

	err = store.Update("reader-1", func(p *ReaderPreference) {
		p.FontSize = 20
		p.LastBookID = 3
		p.LastChapter = 7
	})
	if err != nil {
		t.Fatalf("更新偏好失败: %v", err)
	}

	pref, err = store.Load("reader-1")
	if err != nil {
		t.Fatalf("读取偏好失败: %v", err)
	}
	if pref.FontSize != 20 || pref.LastBookID != 3 || pref.LastChapter != 7 {
		t.Errorf("读取的偏好不正确: %+v", pref)
	}
	if pref.UpdatedAt.IsZero() {
		t.Error("应记录更新时间")
	}

	if _, err := os.Stat(filepath.Join(dir, "readers", "reader-1.json.tmp")); !os.IsNotExist(err) {
		t.Error("临时文件应已被重命名")
	}

	if err := store.Delete("reader-1"); err != nil {
		t.Fatalf("删除偏好失败: %v", err)
	}
	if pref, _ := store.Load("reader-1"); pref != nil {
		t.Error("删除后不应再读到偏好")
	}
}

// TestPreferenceStoreRejectsBadID 测试路径穿越
func TestPreferenceStoreRejectsBadID(t *testing.T) {
	store, err := NewPreferenceStore(t.TempDir())
	if err != nil {
		t.Fatalf("创建偏好存储失败: %v", err)
	}

	for _, id := range []string{"", "../etc", "a/b", "x.y"} {
		if err := store.Save(ReaderPreference{ReaderID: id}); err == nil {
			t.Errorf("读者ID %q 应被拒绝", id)
		}
	}
}
