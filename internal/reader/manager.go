// internal/reader/manager.go
package reader

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/Corphon/StoryReader/internal/errors"
	"github.com/Corphon/StoryReader/internal/utils"
)

// DefaultSessionTTL 空闲会话的回收时间
const DefaultSessionTTL = 30 * time.Minute

// Manager 管理所有打开的阅读会话
type Manager struct {
	deps     Deps
	ttl      time.Duration
	sessions map[string]*Session
	mu       sync.RWMutex

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
	now      func() time.Time
	logger   *utils.Logger
}

// NewManager 创建会话管理器
func NewManager(deps Deps, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if deps.Metrics == nil {
		deps.Metrics = utils.NewReaderMetrics()
	}
	return &Manager{
		deps:     deps,
		ttl:      ttl,
		sessions: make(map[string]*Session),
		now:      time.Now,
		logger:   utils.GetLogger(),
	}
}

// Create 打开一本书的章节视图
func (m *Manager) Create(ctx context.Context, readerID string, bookID, chapter int) (*Session, View, error) {
	if bookID <= 0 {
		return nil, View{}, apperrors.NewValidationError("无效的书籍ID", nil)
	}
	if chapter < 1 {
		return nil, View{}, apperrors.NewValidationError("章节号必须大于 0", nil)
	}

	s := newSession(uuid.New().String(), readerID, bookID, m.deps)

	m.mu.Lock()
	m.sessions[s.ID] = s
	count := len(m.sessions)
	m.mu.Unlock()
	m.deps.Metrics.Collector().SetGauge(utils.MetricActiveSessions, int64(count))

	view, err := s.Open(ctx, chapter)
	if err != nil {
		m.Close(ctx, s.ID)
		return nil, View{}, err
	}

	m.logger.Info("打开阅读会话", map[string]interface{}{
		"session_id": s.ID,
		"reader_id":  readerID,
		"book_id":    bookID,
		"chapter":    chapter,
		"state":      string(view.State),
	})
	return s, view, nil
}

// Get 获取会话并刷新活跃时间
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperrors.NewNotFoundError("阅读会话不存在: "+sessionID, nil)
	}
	s.touch(m.now())
	return s, nil
}

// Close 关闭并移除会话，不存在时忽略
func (m *Manager) Close(ctx context.Context, sessionID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return false
	}
	m.deps.Metrics.Collector().SetGauge(utils.MetricActiveSessions, int64(count))
	s.Close(ctx)
	m.track(s)
	return true
}

// track 等待已关闭会话的后台任务，Stop 时一并等待
func (m *Manager) track(s *Session) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.Wait()
	}()
}

// Count 打开的会话数
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Start 启动空闲会话清理
func (m *Manager) Start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.stopChan = make(chan struct{})
	stop := m.stopChan
	m.mu.Unlock()

	ticker := time.NewTicker(interval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.cleanupExpired()
			case <-stop:
				return
			}
		}
	}()
}

// cleanupExpired 关闭超过 TTL 未访问的会话
func (m *Manager) cleanupExpired() int {
	cutoff := m.now().Add(-m.ttl)

	m.mu.RLock()
	expired := make([]string, 0)
	for id, s := range m.sessions {
		if s.idleSince().Before(cutoff) {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		m.Close(context.Background(), id)
	}
	if len(expired) > 0 {
		m.logger.Info("清理空闲阅读会话", map[string]interface{}{
			"count": len(expired),
		})
	}
	return len(expired)
}

// Stop 停止清理并关闭所有会话，等待后台任务结束
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		close(m.stopChan)
		m.started = false
	}
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Close(ctx, id)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("等待阅读会话后台任务超时", nil)
	}
}
