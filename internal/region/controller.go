// internal/region/controller.go
package region

import (
	"context"
	"sync"

	"github.com/Corphon/StoryReader/internal/models"
	"github.com/Corphon/StoryReader/internal/notify"
	"github.com/Corphon/StoryReader/internal/utils"
)

// SceneFetcher 获取事件场景图
type SceneFetcher interface {
	FetchScene(ctx context.Context, bookID, chapter, eventIndex int) (*models.SceneImage, error)
}

// Options 控制器依赖
type Options struct {
	SessionID  string
	Generation uint64
	// CopyText 复制按钮写入剪贴板的文本
	CopyText string
	Fetcher  SceneFetcher
	Notifier notify.Notifier
	// OnChange 状态变化后在锁外调用
	OnChange func(models.RegionSnapshot)
	Metrics  *utils.ReaderMetrics
}

// Controller 单个交互区域的状态机，各区域之间不共享可变状态
type Controller struct {
	mu sync.Mutex

	ctx        models.RegionContext
	sessionID  string
	generation uint64
	copyText   string

	state    models.RegionState
	scene    *models.SceneImage
	hovered  bool
	detached bool

	fetcher  SceneFetcher
	notifier notify.Notifier
	onChange func(models.RegionSnapshot)
	metrics  *utils.ReaderMetrics

	inflight sync.WaitGroup
}

// New 创建处于 Idle 状态的控制器
func New(rc models.RegionContext, opts Options) *Controller {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = utils.NewReaderMetrics()
	}
	return &Controller{
		ctx:        rc,
		sessionID:  opts.SessionID,
		generation: opts.Generation,
		copyText:   opts.CopyText,
		state:      models.RegionIdle,
		fetcher:    opts.Fetcher,
		notifier:   opts.Notifier,
		onChange:   opts.OnChange,
		metrics:    metrics,
	}
}

// Context 区域上下文
func (c *Controller) Context() models.RegionContext {
	return c.ctx
}

// Generation 创建该控制器的章节视图代数
func (c *Controller) Generation() uint64 {
	return c.generation
}

// Snapshot 当前状态快照
func (c *Controller) Snapshot() models.RegionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() models.RegionSnapshot {
	snap := models.RegionSnapshot{
		SessionID:      c.sessionID,
		Generation:     c.generation,
		EventIndex:     c.ctx.EventIndex,
		State:          c.state,
		ExpansionState: models.Collapsed,
		Hovered:        c.hovered,
		Loading:        c.state == models.RegionLoadingScene,
	}
	if c.scene != nil {
		scene := *c.scene
		snap.Scene = &scene
		snap.ExpansionState = models.Expanded
	}
	return snap
}

// RequestScene 发起场景图请求。
// 加载中或已脱离视图时拒绝并返回 false，不发出请求。
// 请求在后台完成，不受 ctx 取消影响，只有书库客户端的超时约束它。
func (c *Controller) RequestScene(ctx context.Context) bool {
	c.mu.Lock()
	if c.detached || c.state == models.RegionLoadingScene {
		c.mu.Unlock()
		c.metrics.RecordSceneOutcome("rejected")
		return false
	}
	c.state = models.RegionLoadingScene
	snap := c.snapshotLocked()
	c.inflight.Add(1)
	c.mu.Unlock()

	c.metrics.RecordSceneOutcome("requested")
	c.changed(snap)

	go c.fetch(context.WithoutCancel(ctx))
	return true
}

func (c *Controller) fetch(ctx context.Context) {
	defer c.inflight.Done()

	scene, err := c.fetcher.FetchScene(ctx, c.ctx.BookID, c.ctx.ChapterNumber, c.ctx.EventIndex)

	c.mu.Lock()
	if c.detached {
		c.mu.Unlock()
		c.metrics.RecordSceneOutcome("stale")
		utils.GetLogger().Debug("丢弃过期的场景图结果", map[string]interface{}{
			"session_id":  c.sessionID,
			"generation":  c.generation,
			"event_index": c.ctx.EventIndex,
		})
		return
	}

	var n models.Notification
	if err != nil || scene == nil {
		c.state = models.RegionIdle
		c.scene = nil
		n = notify.ForEvent(notify.Failure(c.sessionID, notify.SceneFailed), c.ctx.EventIndex)
	} else {
		c.state = models.RegionSceneReady
		c.scene = scene
		n = notify.ForEvent(notify.Success(c.sessionID, notify.SceneLoaded), c.ctx.EventIndex)
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if err != nil || scene == nil {
		c.metrics.RecordSceneOutcome("failed")
		utils.GetLogger().Warn("场景图加载失败", map[string]interface{}{
			"book_id":     c.ctx.BookID,
			"chapter":     c.ctx.ChapterNumber,
			"event_index": c.ctx.EventIndex,
			"error":       err,
		})
	} else {
		c.metrics.RecordSceneOutcome("loaded")
	}

	c.changed(snap)
	c.notify(n)
}

// Copy 返回复制文本并通知，不改变状态
func (c *Controller) Copy() string {
	c.mu.Lock()
	detached := c.detached
	c.mu.Unlock()

	if !detached {
		c.notify(notify.ForEvent(notify.Success(c.sessionID, notify.TextCopied), c.ctx.EventIndex))
	}
	return c.copyText
}

// Reload 尚未实现，只返回提示
func (c *Controller) Reload() string {
	c.mu.Lock()
	detached := c.detached
	c.mu.Unlock()

	if !detached {
		c.notify(notify.ForEvent(notify.Info(c.sessionID, notify.FeatureComingSoon), c.ctx.EventIndex))
	}
	return notify.FeatureComingSoon
}

// SetHovered 设置悬停标记，与加载状态正交
func (c *Controller) SetHovered(hovered bool) models.RegionSnapshot {
	c.mu.Lock()
	if c.detached || c.hovered == hovered {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap
	}
	c.hovered = hovered
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.changed(snap)
	return snap
}

// Detach 章节切换或视图关闭时调用，之后返回的结果全部丢弃
func (c *Controller) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detached = true
}

// Detached 是否已脱离视图
func (c *Controller) Detached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detached
}

// Wait 等待所有已发出的请求返回
func (c *Controller) Wait() {
	c.inflight.Wait()
}

func (c *Controller) changed(snap models.RegionSnapshot) {
	if c.onChange != nil {
		c.onChange(snap)
	}
}

func (c *Controller) notify(n models.Notification) {
	if c.notifier != nil {
		c.notifier.Notify(n)
	}
}
