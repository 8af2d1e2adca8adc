// internal/api/handlers.go
package api

import (
	"context"
	"errors"
	"html/template"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "github.com/Corphon/StoryReader/internal/errors"
	"github.com/Corphon/StoryReader/internal/models"
	"github.com/Corphon/StoryReader/internal/notify"
	"github.com/Corphon/StoryReader/internal/reader"
	"github.com/Corphon/StoryReader/internal/storage"
	"github.com/Corphon/StoryReader/internal/upload"
	"github.com/Corphon/StoryReader/internal/utils"
)

// Catalog 书库列表、关系图和阅读位置
type Catalog interface {
	Books(ctx context.Context) ([]models.BookEntry, error)
	Graph(ctx context.Context, bookID int) (*models.RelationshipGraph, error)
	LastChapter(ctx context.Context, bookID int) (*models.ChapterContent, error)
}

// Handler 处理API请求
type Handler struct {
	Sessions         *reader.Manager   // 阅读会话
	Library          Catalog           // 书库服务
	Uploads          *upload.Service   // 上传服务
	WebSocketHandler *WebSocketHandler // WebSocket 处理器
	Metrics          *utils.ReaderMetrics
	ChapterCache     *storage.ChapterCache // 可选，指标中报告缓存条目数
	Response         *ResponseHelper // 响应助手
	templates        *template.Template
	logger           *utils.Logger
}

// NewHandler 创建API处理器
func NewHandler(sessions *reader.Manager, library Catalog, uploads *upload.Service, ws *WebSocketManager, metrics *utils.ReaderMetrics) *Handler {
	if metrics == nil {
		metrics = utils.NewReaderMetrics()
	}
	return &Handler{
		Sessions:         sessions,
		Library:          library,
		Uploads:          uploads,
		WebSocketHandler: NewWebSocketHandler(sessions, ws),
		Metrics:          metrics,
		Response:         NewResponseHelper(),
		logger:           utils.GetLogger(),
	}
}

// CreateSessionRequest 打开章节视图的请求
type CreateSessionRequest struct {
	BookID int `json:"book_id" binding:"required"`
	// Chapter 为 0 时从上次阅读的章节开始
	Chapter int `json:"chapter"`
}

// NavigateRequest 跳转章节
type NavigateRequest struct {
	Chapter int `json:"chapter" binding:"required"`
}

// HoverRequest 区域悬停状态
type HoverRequest struct {
	Hovered bool `json:"hovered"`
}

// ChatRequest 助手问题
type ChatRequest struct {
	Message string `json:"message"`
}

// ===============================
// 会话
// ===============================

// CreateSession 打开一本书的章节视图
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求参数", err.Error())
		return
	}
	if req.Chapter < 0 {
		h.Response.Error(c, http.StatusBadRequest, ErrorChapterInvalid, "章节号必须大于 0")
		return
	}
	if req.Chapter == 0 {
		req.Chapter = h.resumeChapter(c.Request.Context(), req.BookID)
	}

	session, view, err := h.Sessions.Create(c.Request.Context(), GetReaderFromContext(c), req.BookID, req.Chapter)
	if err != nil {
		h.Response.FromError(c, err, "会话", "")
		return
	}
	h.Response.Created(c, view, "session "+session.ID+" opened")
}

// resumeChapter 上次阅读的章节，取不到时从第一章开始
func (h *Handler) resumeChapter(ctx context.Context, bookID int) int {
	if h.Library == nil || bookID <= 0 {
		return 1
	}
	last, err := h.Library.LastChapter(ctx, bookID)
	if err != nil || last == nil || last.ChapterNumber < 1 {
		if err != nil && !apperrors.IsNotFoundError(err) {
			h.logger.Warn("获取上次阅读位置失败", map[string]interface{}{
				"book_id": bookID,
				"error":   err.Error(),
			})
		}
		return 1
	}
	return last.ChapterNumber
}

// GetSession 当前视图
func (h *Handler) GetSession(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	h.Response.Success(c, session.View())
}

// CloseSession 关闭视图
func (h *Handler) CloseSession(c *gin.Context) {
	sessionID := c.Param("sid")
	if !h.Sessions.Close(c.Request.Context(), sessionID) {
		h.Response.NotFound(c, "会话", sessionID)
		return
	}
	if h.WebSocketHandler != nil && h.WebSocketHandler.manager != nil {
		h.WebSocketHandler.manager.CloseSession(sessionID)
	}
	h.Response.Success(c, gin.H{"session_id": sessionID, "closed": true})
}

// NavigateChapter 跳转到指定章节
func (h *Handler) NavigateChapter(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	var req NavigateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorChapterInvalid, "无效的章节号", err.Error())
		return
	}
	h.respondView(c, func(ctx context.Context) (reader.View, error) {
		return session.Navigate(ctx, req.Chapter)
	})
}

// NextChapter 下一章
func (h *Handler) NextChapter(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	h.respondView(c, session.Next)
}

// PreviousChapter 上一章
func (h *Handler) PreviousChapter(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	h.respondView(c, session.Previous)
}

func (h *Handler) respondView(c *gin.Context, load func(context.Context) (reader.View, error)) {
	view, err := load(c.Request.Context())
	if err != nil {
		h.Response.FromError(c, err, "会话", "")
		return
	}
	h.Response.Success(c, view)
}

// IncreaseFont 增大字号
func (h *Handler) IncreaseFont(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	h.Response.Success(c, gin.H{"font_size": session.IncreaseFont()})
}

// DecreaseFont 减小字号
func (h *Handler) DecreaseFont(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	h.Response.Success(c, gin.H{"font_size": session.DecreaseFont()})
}

// ===============================
// 事件区域
// ===============================

// RequestScene 请求区域场景图。加载中再次请求不会发出新请求。
func (h *Handler) RequestScene(c *gin.Context) {
	session, eventIndex, ok := h.sessionRegion(c)
	if !ok {
		return
	}
	snap, accepted, err := session.RequestScene(c.Request.Context(), eventIndex)
	if err != nil {
		h.Response.FromError(c, err, "事件区域", "")
		return
	}
	data := gin.H{"accepted": accepted, "region": snap}
	if accepted {
		h.Response.Accepted(c, data)
		return
	}
	h.Response.Success(c, data, "scene request already in flight")
}

// CopyRegion 返回区域文本
func (h *Handler) CopyRegion(c *gin.Context) {
	session, eventIndex, ok := h.sessionRegion(c)
	if !ok {
		return
	}
	region, err := session.Region(eventIndex)
	if err != nil {
		h.Response.FromError(c, err, "事件区域", "")
		return
	}
	h.Response.Success(c, gin.H{"text": region.Copy()}, notify.TextCopied)
}

// ReloadRegion 尚未实现
func (h *Handler) ReloadRegion(c *gin.Context) {
	session, eventIndex, ok := h.sessionRegion(c)
	if !ok {
		return
	}
	region, err := session.Region(eventIndex)
	if err != nil {
		h.Response.FromError(c, err, "事件区域", "")
		return
	}
	h.Response.Success(c, gin.H{"region": region.Snapshot()}, region.Reload())
}

// HoverRegion 设置区域悬停状态
func (h *Handler) HoverRegion(c *gin.Context) {
	session, eventIndex, ok := h.sessionRegion(c)
	if !ok {
		return
	}
	var req HoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求参数", err.Error())
		return
	}
	region, err := session.Region(eventIndex)
	if err != nil {
		h.Response.FromError(c, err, "事件区域", "")
		return
	}
	h.Response.Success(c, region.SetHovered(req.Hovered))
}

// ===============================
// 角色、助手、摘要、音乐
// ===============================

// GetCharacters 角色卡
func (h *Handler) GetCharacters(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	sheet := session.Characters()
	h.Response.Success(c, sheet, sheet.Message)
}

// SendChat 向助手提问
func (h *Handler) SendChat(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorChatInvalid, "无效的请求参数", err.Error())
		return
	}

	reply, err := session.Chat(c.Request.Context(), req.Message)
	switch {
	case apperrors.IsValidationError(err):
		h.Response.Error(c, http.StatusBadRequest, ErrorChatInvalid, err.Error())
		return
	case apperrors.IsConflictError(err):
		h.Response.Error(c, http.StatusConflict, ErrorChatPending, err.Error())
		return
	case err != nil:
		h.Response.FromError(c, err, "", notify.ChatUnreachable)
		return
	}
	h.Response.Success(c, gin.H{"reply": reply, "messages": session.Transcript()})
}

// GetTranscript 对话记录
func (h *Handler) GetTranscript(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	h.Response.Success(c, gin.H{"messages": session.Transcript()})
}

// GetSummary 截至当前章节的摘要
func (h *Handler) GetSummary(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	summary, err := session.Summary(c.Request.Context())
	if err != nil {
		h.Response.FromError(c, err, "章节", notify.ChatUnreachable)
		return
	}
	h.Response.Success(c, gin.H{"summary": summary, "chapter": session.Chapter()})
}

// ToggleAudio 切换背景音乐
func (h *Handler) ToggleAudio(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	h.Response.Success(c, session.ToggleAudio())
}

// ===============================
// 书库
// ===============================

// GetBooks 书库列表
func (h *Handler) GetBooks(c *gin.Context) {
	books, err := h.Library.Books(c.Request.Context())
	if err != nil {
		h.Response.FromError(c, err, "书籍", "")
		return
	}
	h.Response.Success(c, books)
}

// GetGraph 角色关系图，远端失败时返回空图
func (h *Handler) GetGraph(c *gin.Context) {
	bookID, ok := h.bookID(c)
	if !ok {
		return
	}
	graph, err := h.Library.Graph(c.Request.Context(), bookID)
	if err != nil {
		h.logger.Warn("获取关系图失败", map[string]interface{}{
			"book_id": bookID,
			"error":   err.Error(),
		})
		graph = &models.RelationshipGraph{Nodes: []models.GraphNode{}, Edges: []models.GraphEdge{}}
	}
	h.Response.Success(c, graph)
}

// GetLastChapter 上次阅读的章节
func (h *Handler) GetLastChapter(c *gin.Context) {
	bookID, ok := h.bookID(c)
	if !ok {
		return
	}
	last, err := h.Library.LastChapter(c.Request.Context(), bookID)
	if err != nil {
		h.Response.FromError(c, err, "章节", "")
		return
	}
	h.Response.Success(c, gin.H{
		"book_id":        bookID,
		"chapter_number": last.ChapterNumber,
		"chapter_title":  last.ChapterTitle,
	})
}

// UploadBook 上传 epub 或 pdf 源文件
func (h *Handler) UploadBook(c *gin.Context) {
	if limit := h.Uploads.MaxBytes(); limit > 0 {
		// 表单字段和分隔符留出余量
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+1<<20)
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.Response.Error(c, http.StatusRequestEntityTooLarge, ErrorFileInvalid, notify.UploadFailed, "上传文件过大")
			return
		}
		// 没有文件时由上传服务在本地拒绝
		_, err = h.Uploads.Upload(c.Request.Context(), "", nil)
		h.Response.Error(c, http.StatusBadRequest, ErrorFileMissing, notify.UploadFailed, err.Error())
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorFileInvalid, notify.UploadFailed, err.Error())
		return
	}
	defer file.Close()

	result, err := h.Uploads.Upload(c.Request.Context(), fileHeader.Filename, file)
	if err != nil {
		if apperrors.IsValidationError(err) {
			h.Response.Error(c, http.StatusBadRequest, ErrorFileInvalid, notify.UploadFailed, err.Error())
			return
		}
		h.Response.Error(c, apperrors.StatusCode(err), ErrorFileUploadFailed, notify.UploadFailed, err.Error())
		return
	}
	h.Response.Created(c, result, notify.UploadSucceeded)
}

// GetUploadInfo 可接受的文件类型和大小上限
func (h *Handler) GetUploadInfo(c *gin.Context) {
	h.Response.Success(c, gin.H{
		"accept":    upload.Accept(),
		"max_bytes": h.Uploads.MaxBytes(),
	})
}

// ===============================
// 运行状态
// ===============================

// GetMetrics 指标快照
func (h *Handler) GetMetrics(c *gin.Context) {
	metrics := h.Metrics.Collector().GetMetrics()
	metrics["active_sessions"] = h.Sessions.Count()
	if h.ChapterCache != nil {
		metrics["chapter_cache_entries"] = h.ChapterCache.Len()
	}
	h.Response.Success(c, metrics)
}

// Health 健康检查
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": h.Sessions.Count()})
}

// ===============================
// 辅助方法
// ===============================

func (h *Handler) session(c *gin.Context) (*reader.Session, bool) {
	sessionID := c.Param("sid")
	session, err := h.Sessions.Get(sessionID)
	if err != nil {
		h.Response.NotFound(c, "会话", sessionID)
		return nil, false
	}
	return session, true
}

func (h *Handler) sessionRegion(c *gin.Context) (*reader.Session, int, bool) {
	eventIndex, err := strconv.Atoi(c.Param("event"))
	if err != nil || eventIndex < 0 {
		h.Response.Error(c, http.StatusBadRequest, ErrorRegionInvalid, "无效的事件编号", c.Param("event"))
		return nil, 0, false
	}
	session, ok := h.session(c)
	if !ok {
		return nil, 0, false
	}
	return session, eventIndex, true
}

func (h *Handler) bookID(c *gin.Context) (int, bool) {
	bookID, err := strconv.Atoi(c.Param("id"))
	if err != nil || bookID <= 0 {
		h.Response.BadRequest(c, "无效的书籍ID", c.Param("id"))
		return 0, false
	}
	return bookID, true
}
