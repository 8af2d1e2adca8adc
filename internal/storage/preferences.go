// internal/storage/preferences.go
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// ReaderPreference 单个读者的偏好与阅读位置
type ReaderPreference struct {
	ReaderID    string    `json:"reader_id"`
	FontSize    int       `json:"font_size"`
	LastBookID  int       `json:"last_book_id,omitempty"`
	LastChapter int       `json:"last_chapter,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

var readerIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// PreferenceStore 每个读者一个 JSON 文件，写入使用临时文件加重命名
type PreferenceStore struct {
	BaseDir string

	// 文件级别锁 path -> *sync.RWMutex
	fileLocks sync.Map
}

// NewPreferenceStore 创建偏好存储
func NewPreferenceStore(baseDir string) (*PreferenceStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("创建存储目录失败: %w", err)
	}
	return &PreferenceStore{BaseDir: baseDir}, nil
}

func (ps *PreferenceStore) getFileLock(fullPath string) *sync.RWMutex {
	value, _ := ps.fileLocks.LoadOrStore(fullPath, &sync.RWMutex{})
	return value.(*sync.RWMutex)
}

func (ps *PreferenceStore) path(readerID string) (string, error) {
	if !readerIDPattern.MatchString(readerID) {
		return "", fmt.Errorf("非法的读者ID: %q", readerID)
	}
	return filepath.Join(ps.BaseDir, readerID+".json"), nil
}

// Load 读取偏好，不存在时返回 nil
func (ps *PreferenceStore) Load(readerID string) (*ReaderPreference, error) {
	fullPath, err := ps.path(readerID)
	if err != nil {
		return nil, err
	}

	lock := ps.getFileLock(fullPath)
	lock.RLock()
	defer lock.RUnlock()

	data, err := os.ReadFile(fullPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取偏好文件失败: %w", err)
	}

	var pref ReaderPreference
	if err := json.Unmarshal(data, &pref); err != nil {
		return nil, fmt.Errorf("解析偏好文件失败: %w", err)
	}
	return &pref, nil
}

// Save 原子写入偏好
func (ps *PreferenceStore) Save(pref ReaderPreference) error {
	fullPath, err := ps.path(pref.ReaderID)
	if err != nil {
		return err
	}
	if pref.UpdatedAt.IsZero() {
		pref.UpdatedAt = time.Now()
	}

	content, err := json.MarshalIndent(pref, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化JSON失败: %w", err)
	}

	lock := ps.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	tempPath := fullPath + ".tmp"
	if err := os.WriteFile(tempPath, content, 0644); err != nil {
		return fmt.Errorf("保存临时文件失败: %w", err)
	}
	if err := os.Rename(tempPath, fullPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("保存文件失败: %w", err)
	}
	return nil
}

// Update 读取后修改再保存，不存在时从空偏好开始
func (ps *PreferenceStore) Update(readerID string, fn func(*ReaderPreference)) error {
	pref, err := ps.Load(readerID)
	if err != nil {
		return err
	}
	if pref == nil {
		pref = &ReaderPreference{ReaderID: readerID}
	}
	fn(pref)
	pref.ReaderID = readerID
	pref.UpdatedAt = time.Now()
	return ps.Save(*pref)
}

// Delete 删除偏好文件
func (ps *PreferenceStore) Delete(readerID string) error {
	fullPath, err := ps.path(readerID)
	if err != nil {
		return err
	}

	lock := ps.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("删除偏好文件失败: %w", err)
	}
	return nil
}
