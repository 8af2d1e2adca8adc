// internal/api/router.go
package api

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/StoryReader/internal/config"
	"github.com/Corphon/StoryReader/internal/di"
	"github.com/Corphon/StoryReader/internal/library"
	"github.com/Corphon/StoryReader/internal/reader"
	"github.com/Corphon/StoryReader/internal/storage"
	"github.com/Corphon/StoryReader/internal/upload"
	"github.com/Corphon/StoryReader/internal/utils"
)

// RouterOptions 路由配置
type RouterOptions struct {
	StaticDir string
	// TemplatesDir 非空时用其中的模板替换内置阅读页
	TemplatesDir string
	RateLimiter  *RateLimiter
	Metrics      *utils.ReaderMetrics
}

// SetupRouter 从容器获取服务并配置HTTP路由
func SetupRouter() (*gin.Engine, error) {
	cfg := config.GetCurrentConfig()
	container := di.GetContainer()

	// 只从容器获取服务，不再创建新实例
	sessions, ok := container.Get(di.ServiceSessions).(*reader.Manager)
	if !ok {
		return nil, fmt.Errorf("阅读会话服务未正确初始化")
	}
	client, ok := container.Get(di.ServiceLibrary).(*library.Client)
	if !ok {
		return nil, fmt.Errorf("书库客户端未正确初始化")
	}
	uploads, ok := container.Get(di.ServiceUpload).(*upload.Service)
	if !ok {
		return nil, fmt.Errorf("上传服务未正确初始化")
	}
	wsManager, ok := container.Get(di.ServiceWebSocket).(*WebSocketManager)
	if !ok {
		return nil, fmt.Errorf("推送服务未正确初始化")
	}
	metrics, ok := container.Get(di.ServiceMetrics).(*utils.ReaderMetrics)
	if !ok {
		return nil, fmt.Errorf("指标服务未正确初始化")
	}
	limiter, ok := container.Get(di.ServiceRateLimiter).(*RateLimiter)
	if !ok {
		return nil, fmt.Errorf("限流器未正确初始化")
	}
	cache, ok := container.Get(di.ServiceChapterCache).(*storage.ChapterCache)
	if !ok {
		return nil, fmt.Errorf("章节缓存未正确初始化")
	}

	handler := NewHandler(sessions, client, uploads, wsManager, metrics)
	handler.ChapterCache = cache
	return NewRouter(handler, RouterOptions{
		StaticDir:    cfg.StaticDir,
		TemplatesDir: cfg.TemplatesDir,
		RateLimiter:  limiter,
		Metrics:      metrics,
	}), nil
}

// NewRouter 注册所有路由
func NewRouter(handler *Handler, opts RouterOptions) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(corsMiddleware())
	r.Use(ReaderIdentityMiddleware())
	if opts.Metrics != nil {
		r.Use(MetricsMiddleware(opts.Metrics))
	}

	limiter := opts.RateLimiter
	if limiter == nil {
		limiter = NewRateLimiter()
	}

	// 静态文件和背景音乐
	if opts.StaticDir != "" {
		if info, err := os.Stat(opts.StaticDir); err == nil && info.IsDir() {
			r.Static("/static", opts.StaticDir)
			r.Static("/music", filepath.Join(opts.StaticDir, "music"))
		}
	}

	if opts.TemplatesDir != "" {
		tmpl, err := LoadPageTemplates(opts.TemplatesDir)
		if err != nil {
			utils.GetLogger().Warn("使用内置阅读页模板", map[string]interface{}{
				"dir":   opts.TemplatesDir,
				"error": err.Error(),
			})
		} else {
			handler.templates = tmpl
		}
	}
	r.SetHTMLTemplate(handler.pages())

	// ===============================
	// 页面路由
	// ===============================
	r.GET("/read/:sid", handler.ReadPage)

	// WebSocket 支持
	r.GET("/ws/sessions/:sid", handler.WebSocketHandler.SessionWebSocket)

	// ===============================
	// API路由组
	// ===============================
	api := r.Group("/api")
	api.Use(limiter.DefaultRateLimit())
	{
		api.GET("/health", handler.Health)
		api.GET("/metrics", handler.GetMetrics)

		// ===============================
		// 阅读会话
		// ===============================
		api.POST("/sessions", handler.CreateSession)
		sessionGroup := api.Group("/sessions/:sid")
		{
			sessionGroup.GET("", handler.GetSession)
			sessionGroup.DELETE("", handler.CloseSession)
			sessionGroup.POST("/navigate", handler.NavigateChapter)
			sessionGroup.POST("/next", handler.NextChapter)
			sessionGroup.POST("/prev", handler.PreviousChapter)
			sessionGroup.POST("/font/increase", handler.IncreaseFont)
			sessionGroup.POST("/font/decrease", handler.DecreaseFont)
			sessionGroup.GET("/characters", handler.GetCharacters)
			sessionGroup.GET("/summary", handler.GetSummary)
			sessionGroup.POST("/audio/toggle", handler.ToggleAudio)
			sessionGroup.GET("/chat", handler.GetTranscript)
			sessionGroup.POST("/chat", limiter.ChatRateLimit(), handler.SendChat)

			// 事件区域
			regionGroup := sessionGroup.Group("/regions/:event")
			{
				regionGroup.POST("/scene", handler.RequestScene)
				regionGroup.POST("/copy", handler.CopyRegion)
				regionGroup.POST("/reload", handler.ReloadRegion)
				regionGroup.POST("/hover", handler.HoverRegion)
			}
		}

		// ===============================
		// 书库
		// ===============================
		booksGroup := api.Group("/books")
		{
			booksGroup.GET("", handler.GetBooks)
			booksGroup.GET("/:id/graph", handler.GetGraph)
			booksGroup.GET("/:id/last_chapter", handler.GetLastChapter)
		}

		// 文件上传
		api.GET("/upload", handler.GetUploadInfo)
		api.POST("/upload", limiter.UploadRateLimit(), handler.UploadBook)

		// WebSocket 管理路由
		wsGroup := api.Group("/ws")
		{
			wsGroup.GET("/status", handler.WebSocketHandler.GetWebSocketStatus)
			wsGroup.POST("/cleanup", handler.WebSocketHandler.CleanupWebSocketConnections)
		}
	}

	return r
}
