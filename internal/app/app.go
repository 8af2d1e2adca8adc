// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/Corphon/StoryReader/internal/api"
	"github.com/Corphon/StoryReader/internal/config"
	"github.com/Corphon/StoryReader/internal/di"
	"github.com/Corphon/StoryReader/internal/library"
	"github.com/Corphon/StoryReader/internal/markup"
	"github.com/Corphon/StoryReader/internal/notify"
	"github.com/Corphon/StoryReader/internal/reader"
	"github.com/Corphon/StoryReader/internal/storage"
	"github.com/Corphon/StoryReader/internal/upload"
	"github.com/Corphon/StoryReader/internal/utils"
)

const (
	shutdownTimeout        = 30 * time.Second
	sessionCleanupInterval = 5 * time.Minute
	limiterCleanupInterval = 10 * time.Minute
	metricsReportInterval  = 5 * time.Minute
	webSocketPingTimeout   = 60 * time.Second
)

// server 便于测试替换的 HTTP 服务器
type server interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// App 应用程序实例
type App struct {
	config   *config.AppConfig
	router   http.Handler
	server   server
	stopChan chan os.Signal

	stopMetrics context.CancelFunc
}

var (
	instance *App
	mu       sync.Mutex
)

// GetApp 获取应用实例
func GetApp() *App {
	mu.Lock()
	defer mu.Unlock()
	if instance == nil {
		instance = &App{
			stopChan: make(chan os.Signal, 1),
		}
	}
	return instance
}

// Initialize 按顺序初始化配置、日志、服务和路由
func Initialize(dataDir string) error {
	if err := config.InitConfig(dataDir); err != nil {
		return fmt.Errorf("初始化配置失败: %w", err)
	}

	app := GetApp()
	app.config = config.GetCurrentConfig()

	if err := initLogger(app.config.LogDir); err != nil {
		return fmt.Errorf("初始化日志系统失败: %w", err)
	}
	utils.GetLogger().SetLogLevel(utils.ParseLogLevel(app.config.LogLevel))

	if err := InitServices(); err != nil {
		return fmt.Errorf("初始化服务失败: %w", err)
	}

	router, err := api.SetupRouter()
	if err != nil {
		return fmt.Errorf("设置路由失败: %w", err)
	}
	app.router = router
	return nil
}

// InitServices 按依赖顺序创建服务并注册到容器
func InitServices() error {
	cfg := config.GetCurrentConfig()
	container := di.GetContainer()
	logger := utils.GetLogger()

	container.Register(di.ServiceConfig, cfg)

	// 1. 指标
	metrics := utils.NewReaderMetrics()
	container.Register(di.ServiceMetrics, metrics)

	// 2. 章节缓存和书库客户端
	cache := storage.NewChapterCache(cfg.ChapterCacheSize, cfg.SessionTTL())
	container.Register(di.ServiceChapterCache, cache)

	client := library.NewClient(cfg.LibraryAPIURL, cfg.RequestTimeout(),
		library.WithChapterStore(cache),
		library.WithMetrics(metrics),
	)
	container.Register(di.ServiceLibrary, client)

	// 3. 通知中心
	hub := notify.NewHub()
	container.Register(di.ServiceNotifier, hub)

	// 4. 阅读偏好
	prefs, err := storage.NewPreferenceStore(filepath.Join(cfg.DataDir, "preferences"))
	if err != nil {
		return fmt.Errorf("创建阅读偏好存储失败: %w", err)
	}
	container.Register(di.ServicePreferences, prefs)

	// 5. 阅读会话，依赖从容器获取
	sessions, err := newSessionManager(container, cfg)
	if err != nil {
		return fmt.Errorf("创建阅读会话服务失败: %w", err)
	}
	sessions.Start(sessionCleanupInterval)
	container.Register(di.ServiceSessions, sessions)

	// 6. 上传
	container.Register(di.ServiceUpload, upload.NewService(client, cfg.MaxUploadBytes()))

	// 7. 推送连接，接收通知中心的消息
	wsManager := api.NewWebSocketManager(webSocketPingTimeout, metrics.Collector())
	wsManager.Start()
	hub.Subscribe(wsManager)
	container.Register(di.ServiceWebSocket, wsManager)

	// 8. 限流
	limiter := api.NewRateLimiter()
	limiter.Start(limiterCleanupInterval)
	container.Register(di.ServiceRateLimiter, limiter)

	app := GetApp()
	if app.stopMetrics != nil {
		app.stopMetrics()
	}
	ctx, cancel := context.WithCancel(context.Background())
	app.stopMetrics = cancel
	metrics.StartMetricsCollection(ctx, metricsReportInterval)

	logger.Info("服务初始化完成", map[string]interface{}{
		"services":    container.GetNames(),
		"library_api": client.BaseURL(),
	})
	return nil
}

// newSessionManager 用容器中已注册的服务组装阅读会话管理器
func newSessionManager(container *di.Container, cfg *config.AppConfig) (*reader.Manager, error) {
	client, err := di.Resolve[*library.Client](container, di.ServiceLibrary)
	if err != nil {
		return nil, err
	}
	hub, err := di.Resolve[*notify.Hub](container, di.ServiceNotifier)
	if err != nil {
		return nil, err
	}
	prefs, err := di.Resolve[*storage.PreferenceStore](container, di.ServicePreferences)
	if err != nil {
		return nil, err
	}
	metrics, err := di.Resolve[*utils.ReaderMetrics](container, di.ServiceMetrics)
	if err != nil {
		return nil, err
	}

	return reader.NewManager(reader.Deps{
		Library:         client,
		Publisher:       hub,
		Annotator:       markup.NewAnnotator(cfg.MarkerPrefix, cfg.WordsPerMinute),
		Preferences:     prefs,
		Metrics:         metrics,
		MusicBase:       "/music",
		DefaultFontSize: cfg.Reader.DefaultFontSize,
		AutoPlayMusic:   cfg.Reader.AutoPlayMusic,
	}, cfg.SessionTTL()), nil
}

// Run 启动服务器并等待停止信号
func Run() error {
	app := GetApp()
	logger := utils.GetLogger()

	if app.server == nil {
		port := "8080"
		if app.config != nil && app.config.Port != "" {
			port = app.config.Port
		}
		app.server = &http.Server{
			Addr:    ":" + port,
			Handler: app.router,
		}
	}

	signal.Notify(app.stopChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(app.stopChan)

	serveErr := make(chan error, 1)
	go func() {
		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case sig := <-app.stopChan:
		logger.Info("收到停止信号", map[string]interface{}{"signal": sig.String()})
	case err := <-serveErr:
		runErr = fmt.Errorf("启动服务器失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.server.Shutdown(ctx); err != nil && runErr == nil {
		runErr = fmt.Errorf("服务器强制关闭: %w", err)
	}

	app.cleanup()
	return runErr
}

// cleanup 停止后台任务并关闭日志
func (a *App) cleanup() {
	container := di.GetContainer()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if sessions, ok := container.Get(di.ServiceSessions).(*reader.Manager); ok {
		sessions.Stop(ctx)
	}
	if wsManager, ok := container.Get(di.ServiceWebSocket).(*api.WebSocketManager); ok {
		wsManager.Stop()
	}
	if limiter, ok := container.Get(di.ServiceRateLimiter).(*api.RateLimiter); ok {
		limiter.Stop()
	}
	if a.stopMetrics != nil {
		a.stopMetrics()
		a.stopMetrics = nil
	}

	utils.GetLogger().Info("应用已停止", nil)
	utils.GetLogger().Close()
}

// GetConfig 获取应用配置
func (a *App) GetConfig() *config.AppConfig {
	return a.config
}

// GetDIContainer 获取依赖注入容器
func GetDIContainer() *di.Container {
	return di.GetContainer()
}

// IsDebugMode 是否处于调试模式
func IsDebugMode() bool {
	mu.Lock()
	app := instance
	mu.Unlock()
	return app != nil && app.config != nil && app.config.DebugMode
}

// initLogger 日志写入 dir/storyreader.log
func initLogger(dir string) error {
	if err := utils.InitLogger(filepath.Join(dir, "storyreader.log")); err != nil {
		return err
	}
	utils.GetLogger().Info("日志系统初始化完成", map[string]interface{}{"dir": dir})
	return nil
}
