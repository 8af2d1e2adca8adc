// internal/reader/session.go
package reader

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Corphon/StoryReader/internal/audio"
	"github.com/Corphon/StoryReader/internal/chat"
	"github.com/Corphon/StoryReader/internal/config"
	apperrors "github.com/Corphon/StoryReader/internal/errors"
	"github.com/Corphon/StoryReader/internal/markup"
	"github.com/Corphon/StoryReader/internal/models"
	"github.com/Corphon/StoryReader/internal/notify"
	"github.com/Corphon/StoryReader/internal/region"
	"github.com/Corphon/StoryReader/internal/storage"
	"github.com/Corphon/StoryReader/internal/utils"
)

// ViewState 章节视图状态
type ViewState string

const (
	ViewLoading     ViewState = "loading"
	ViewReady       ViewState = "ready"
	ViewNotFound    ViewState = "not_found"
	ViewUnavailable ViewState = "unavailable"
)

// 记录阅读位置的超时，不影响关闭流程
const lastReadTimeout = 10 * time.Second

// Library 会话需要的书库能力
type Library interface {
	Chapter(ctx context.Context, bookID, chapter int) (*models.ChapterContent, error)
	Characters(ctx context.Context, bookID int) ([]models.CharacterRecord, error)
	SetLastChapter(ctx context.Context, bookID, chapter int) error
	region.SceneFetcher
	chat.Assistant
}

// Deps 会话依赖
type Deps struct {
	Library     Library
	Publisher   notify.Publisher
	Annotator   *markup.Annotator
	Preferences *storage.PreferenceStore
	Metrics     *utils.ReaderMetrics
	MusicBase   string
	// DefaultFontSize 新读者的初始字号
	DefaultFontSize int
	// AutoPlayMusic 打开会话后自动播放背景音乐
	AutoPlayMusic bool
}

// View 章节视图的只读快照
type View struct {
	SessionID    string                  `json:"session_id"`
	BookID       int                     `json:"book_id"`
	Chapter      int                     `json:"chapter"`
	Generation   uint64                  `json:"generation"`
	State        ViewState               `json:"state"`
	Message      string                  `json:"message,omitempty"`
	Title        string                  `json:"title,omitempty"`
	Author       string                  `json:"author,omitempty"`
	ChapterTitle string                  `json:"chapter_title,omitempty"`
	Segments     []markup.Segment        `json:"segments"`
	Regions      []models.RegionSnapshot `json:"regions"`
	Stats        markup.Stats            `json:"stats"`
	FontSize     int                     `json:"font_size"`
	Audio        models.AudioState       `json:"audio"`
	HasPrevious  bool                    `json:"has_previous"`
}

// Session 一个打开的章节视图
type Session struct {
	ID       string
	ReaderID string
	BookID   int

	mu         sync.RWMutex
	deps       Deps
	chapter    int
	generation uint64
	state      ViewState
	message    string
	content    *models.ChapterContent
	annotation *markup.Annotation
	regions    map[int]*region.Controller
	characters []models.CharacterRecord
	castLoaded bool
	fontSize   int
	closed     bool
	lastAccess time.Time

	audio      *audio.Player
	transcript *chat.Transcript
	background sync.WaitGroup
	logger     *utils.Logger
}

func newSession(id, readerID string, bookID int, deps Deps) *Session {
	if deps.Metrics == nil {
		deps.Metrics = utils.NewReaderMetrics()
	}
	if deps.Annotator == nil {
		deps.Annotator = markup.NewAnnotator(markup.DefaultPrefix, markup.DefaultWordsPerMinute)
	}

	s := &Session{
		ID:         id,
		ReaderID:   readerID,
		BookID:     bookID,
		deps:       deps,
		state:      ViewLoading,
		regions:    make(map[int]*region.Controller),
		fontSize:   config.ClampFontSize(deps.DefaultFontSize),
		lastAccess: time.Now(),
		logger:     utils.GetLogger(),
	}
	s.audio = audio.NewPlayer(deps.MusicBase, func(state models.AudioState) {
		s.publish(notify.MessageAudio, state)
	})
	s.transcript = chat.NewTranscript(bookID, deps.Library)
	s.restorePreferences()
	return s
}

func (s *Session) restorePreferences() {
	if s.deps.Preferences == nil || s.ReaderID == "" {
		return
	}
	pref, err := s.deps.Preferences.Load(s.ReaderID)
	if err != nil {
		s.logger.Warn("读取阅读偏好失败", map[string]interface{}{
			"reader_id": s.ReaderID,
			"error":     err.Error(),
		})
		return
	}
	if pref != nil && pref.FontSize > 0 {
		s.fontSize = config.ClampFontSize(pref.FontSize)
	}
}

// Open 首次加载章节，同时并发获取角色列表
func (s *Session) Open(ctx context.Context, chapter int) (View, error) {
	return s.load(ctx, chapter, true)
}

// Navigate 切换章节。旧章节的区域全部脱离，未返回的场景请求结果会被丢弃。
func (s *Session) Navigate(ctx context.Context, chapter int) (View, error) {
	return s.load(ctx, chapter, false)
}

// Next 下一章
func (s *Session) Next(ctx context.Context) (View, error) {
	s.mu.RLock()
	chapter := s.chapter
	s.mu.RUnlock()
	return s.Navigate(ctx, chapter+1)
}

// Previous 上一章，不低于第一章
func (s *Session) Previous(ctx context.Context) (View, error) {
	s.mu.RLock()
	chapter := s.chapter
	s.mu.RUnlock()
	if chapter <= 1 {
		return s.View(), nil
	}
	return s.Navigate(ctx, chapter-1)
}

func (s *Session) load(ctx context.Context, chapter int, opening bool) (View, error) {
	if chapter < 1 {
		return View{}, apperrors.NewValidationError("章节号必须大于 0", nil)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return View{}, apperrors.NewNotFoundError("阅读会话已关闭", nil)
	}
	s.generation++
	gen := s.generation
	s.detachLocked()
	s.chapter = chapter
	s.state = ViewLoading
	s.message = ""
	s.content = nil
	s.annotation = nil
	withCharacters := opening && !s.castLoaded
	s.mu.Unlock()

	var (
		content    *models.ChapterContent
		chapterErr error
		cast       []models.CharacterRecord
		castErr    error
	)

	// 角色失败不影响章节，两个请求都不返回错误给 errgroup
	var g errgroup.Group
	g.Go(func() error {
		content, chapterErr = s.deps.Library.Chapter(ctx, s.BookID, chapter)
		return nil
	})
	if withCharacters {
		g.Go(func() error {
			cast, castErr = s.deps.Library.Characters(ctx, s.BookID)
			return nil
		})
	}
	_ = g.Wait()

	var annotation *markup.Annotation
	var annotateErr error
	if chapterErr == nil {
		annotation, annotateErr = s.deps.Annotator.Annotate(content.Content, s.BookID, chapter)
	}

	s.mu.Lock()
	if s.closed || s.generation != gen {
		s.mu.Unlock()
		s.deps.Metrics.Collector().IncrementCounter(utils.MetricStaleDiscards)
		s.logger.Debug("丢弃过期的章节结果", map[string]interface{}{
			"session_id": s.ID,
			"chapter":    chapter,
			"generation": gen,
		})
		return s.View(), nil
	}

	if withCharacters {
		s.castLoaded = true
		s.characters = cast
		if s.characters == nil {
			s.characters = []models.CharacterRecord{}
		}
	}

	var notes []models.Notification
	switch {
	case apperrors.IsNotFoundError(chapterErr):
		s.state = ViewNotFound
		s.message = notify.ChapterNotFound
	case chapterErr != nil:
		s.state = ViewUnavailable
		s.message = notify.ChapterLoadFailed
		notes = append(notes, notify.Failure(s.ID, notify.ChapterLoadFailed))
	case annotateErr != nil:
		s.state = ViewUnavailable
		s.message = notify.ChapterLoadFailed
		notes = append(notes, notify.Failure(s.ID, notify.ChapterLoadFailed))
	default:
		s.state = ViewReady
		s.content = content
		s.annotation = annotation
		s.buildRegionsLocked(gen)
	}
	if withCharacters && castErr != nil {
		notes = append(notes, notify.Failure(s.ID, notify.CharactersFailed))
	}
	ready := s.state == ViewReady
	mood := models.MoodNeutral
	if ready {
		mood = s.content.MusicMood
	}
	s.mu.Unlock()

	if chapterErr != nil || annotateErr != nil {
		s.logger.Warn("章节加载失败", map[string]interface{}{
			"session_id": s.ID,
			"book_id":    s.BookID,
			"chapter":    chapter,
			"error":      fmt.Sprint(firstError(chapterErr, annotateErr)),
		})
	}
	if castErr != nil {
		s.logger.Warn("角色列表加载失败", map[string]interface{}{
			"session_id": s.ID,
			"book_id":    s.BookID,
			"error":      castErr.Error(),
		})
	}

	if ready {
		s.audio.Swap(mood)
		if opening && s.deps.AutoPlayMusic {
			s.audio.Play()
		}
		s.savePreferences(func(p *storage.ReaderPreference) {
			p.LastBookID = s.BookID
			p.LastChapter = chapter
		})
	}
	for _, n := range notes {
		s.notify(n)
	}

	view := s.View()
	s.publish(notify.MessageView, view)
	return view, nil
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// buildRegionsLocked 为当前计划中的每个交互段创建控制器
func (s *Session) buildRegionsLocked(gen uint64) {
	s.regions = make(map[int]*region.Controller)
	if s.annotation == nil {
		return
	}
	for _, seg := range s.annotation.Plan.Segments {
		if seg.Region == nil {
			continue
		}
		s.regions[seg.Region.EventIndex] = region.New(*seg.Region, region.Options{
			SessionID:  s.ID,
			Generation: gen,
			CopyText:   seg.Text,
			Fetcher:    s.deps.Library,
			Notifier:   s.deps.Publisher,
			Metrics:    s.deps.Metrics,
			OnChange: func(snap models.RegionSnapshot) {
				s.publish(notify.MessageRegion, snap)
			},
		})
	}
}

// detachLocked 脱离当前所有区域，仍在途的请求计入后台任务
func (s *Session) detachLocked() {
	for _, c := range s.regions {
		c.Detach()
		s.background.Add(1)
		go func(c *region.Controller) {
			defer s.background.Done()
			c.Wait()
		}(c)
	}
	s.regions = make(map[int]*region.Controller)
}

// View 当前视图快照
func (s *Session) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewLocked()
}

// Snapshot 同一把锁下取视图和渲染计划，两者属于同一代
func (s *Session) Snapshot() (View, *markup.Plan) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var plan *markup.Plan
	if s.annotation != nil {
		plan = s.annotation.Plan
	}
	return s.viewLocked(), plan
}

func (s *Session) viewLocked() View {
	view := View{
		SessionID:   s.ID,
		BookID:      s.BookID,
		Chapter:     s.chapter,
		Generation:  s.generation,
		State:       s.state,
		Message:     s.message,
		Segments:    []markup.Segment{},
		Regions:     s.regionSnapshotsLocked(),
		FontSize:    s.fontSize,
		Audio:       s.audio.State(),
		HasPrevious: s.chapter > 1,
	}
	if s.content != nil {
		view.Title = s.content.Title
		view.Author = s.content.Author
		view.ChapterTitle = s.content.ChapterTitle
	}
	if s.annotation != nil {
		view.Segments = s.annotation.Plan.Segments
		view.Stats = s.annotation.Stats
	}
	return view
}

func (s *Session) regionSnapshotsLocked() []models.RegionSnapshot {
	snaps := make([]models.RegionSnapshot, 0, len(s.regions))
	for _, c := range s.regions {
		snaps = append(snaps, c.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].EventIndex < snaps[j].EventIndex })
	return snaps
}

// Plan 当前渲染计划，未就绪时返回 nil
func (s *Session) Plan() *markup.Plan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.annotation == nil {
		return nil
	}
	return s.annotation.Plan
}

// Region 当前章节视图中的区域
func (s *Session) Region(eventIndex int) (*region.Controller, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.regions[eventIndex]
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("事件区域不存在: %d", eventIndex), nil)
	}
	return c, nil
}

// RequestScene 为区域请求场景图，返回是否被接受
func (s *Session) RequestScene(ctx context.Context, eventIndex int) (models.RegionSnapshot, bool, error) {
	c, err := s.Region(eventIndex)
	if err != nil {
		return models.RegionSnapshot{}, false, err
	}
	accepted := c.RequestScene(ctx)
	return c.Snapshot(), accepted, nil
}

// Characters 角色卡。列表只在打开会话时获取一次。
func (s *Session) Characters() models.CharacterSheet {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sheet := models.CharacterSheet{Characters: make([]models.CharacterRecord, len(s.characters))}
	copy(sheet.Characters, s.characters)
	if len(sheet.Characters) == 0 {
		sheet.Message = notify.NoCharactersFound
	}
	return sheet
}

// Chat 向助手提问
func (s *Session) Chat(ctx context.Context, text string) (models.ChatMessage, error) {
	return s.transcript.Send(ctx, text)
}

// Transcript 对话记录
func (s *Session) Transcript() []models.ChatMessage {
	return s.transcript.Messages()
}

// Summary 截至当前章节的摘要
func (s *Session) Summary(ctx context.Context) (string, error) {
	s.mu.RLock()
	chapter := s.chapter
	s.mu.RUnlock()
	return chat.Summary(ctx, s.deps.Library, s.BookID, chapter)
}

// ToggleAudio 切换背景音乐
func (s *Session) ToggleAudio() models.AudioState {
	return s.audio.Toggle()
}

// Audio 播放器状态
func (s *Session) Audio() models.AudioState {
	return s.audio.State()
}

// IncreaseFont 增大字号
func (s *Session) IncreaseFont() int {
	return s.adjustFont(config.FontSizeStep)
}

// DecreaseFont 减小字号
func (s *Session) DecreaseFont() int {
	return s.adjustFont(-config.FontSizeStep)
}

// FontSize 当前字号
func (s *Session) FontSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fontSize
}

func (s *Session) adjustFont(delta int) int {
	s.mu.Lock()
	next := s.fontSize + delta
	if next < config.MinFontSize {
		next = config.MinFontSize
	}
	if next > config.MaxFontSize {
		next = config.MaxFontSize
	}
	changed := next != s.fontSize
	s.fontSize = next
	s.mu.Unlock()

	if changed {
		s.savePreferences(func(p *storage.ReaderPreference) { p.FontSize = next })
	}
	return next
}

// Close 关闭视图：脱离区域、停止音乐，并在后台记录阅读位置
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.generation++
	s.detachLocked()
	chapter := s.chapter
	s.mu.Unlock()

	s.audio.Stop()

	if chapter < 1 {
		return
	}
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lastReadTimeout)
		defer cancel()

		if err := s.deps.Library.SetLastChapter(rctx, s.BookID, chapter); err != nil {
			s.deps.Metrics.Collector().IncrementCounter(utils.MetricLastReadFailures)
			s.logger.Warn("记录阅读位置失败", map[string]interface{}{
				"session_id": s.ID,
				"book_id":    s.BookID,
				"chapter":    chapter,
				"error":      err.Error(),
			})
		}
	}()
}

// Closed 是否已关闭
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Wait 等待后台任务结束，测试和停机时使用
func (s *Session) Wait() {
	s.background.Wait()
}

// Chapter 当前章节号
func (s *Session) Chapter() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chapter
}

// Generation 当前视图代数
func (s *Session) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastAccess = now
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAccess
}

func (s *Session) savePreferences(fn func(*storage.ReaderPreference)) {
	if s.deps.Preferences == nil || s.ReaderID == "" {
		return
	}
	if err := s.deps.Preferences.Update(s.ReaderID, fn); err != nil {
		s.logger.Warn("保存阅读偏好失败", map[string]interface{}{
			"reader_id": s.ReaderID,
			"error":     err.Error(),
		})
	}
}

func (s *Session) notify(n models.Notification) {
	if s.deps.Publisher != nil {
		s.deps.Publisher.Notify(n)
	}
}

func (s *Session) publish(msgType string, data interface{}) {
	if s.deps.Publisher != nil {
		s.deps.Publisher.Publish(s.ID, msgType, data)
	}
}
