package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/Corphon/StoryReader/internal/api"
	"github.com/Corphon/StoryReader/internal/config"
	"github.com/Corphon/StoryReader/internal/di"
	"github.com/Corphon/StoryReader/internal/library"
	"github.com/Corphon/StoryReader/internal/notify"
	"github.com/Corphon/StoryReader/internal/reader"
	"github.com/Corphon/StoryReader/internal/storage"
	"github.com/Corphon/StoryReader/internal/utils"
)

// 测试前的设置工作
func setupTest(t *testing.T) string {
	// 重置全局应用实例和容器
	instance = nil
	di.GetContainer().Clear()

	tempDir := t.TempDir()
	t.Setenv("DATA_DIR", filepath.Join(tempDir, "data"))
	t.Setenv("STATIC_DIR", filepath.Join(tempDir, "static"))
	t.Setenv("LOG_DIR", filepath.Join(tempDir, "logs"))
	t.Setenv("LIBRARY_API_URL", "http://127.0.0.1:1/api")
	return tempDir
}

// 测试后的清理工作
func cleanupTest() {
	if instance != nil {
		instance.cleanup()
	}
	di.GetContainer().Clear()
	instance = nil
}

// 测试创建模拟服务器
type mockServer struct {
	ShutdownCalled bool
	ServeErr       error
}

func (m *mockServer) ListenAndServe() error {
	return m.ServeErr
}

func (m *mockServer) Shutdown(ctx context.Context) error {
	m.ShutdownCalled = true
	return nil
}

// TestGetApp 测试获取应用实例
func TestGetApp(t *testing.T) {
	instance = nil

	app1 := GetApp()
	if app1 == nil {
		t.Fatal("GetApp应该返回一个非nil的应用实例")
	}

	// 再次调用，应该返回相同的实例（单例模式）
	app2 := GetApp()
	if app1 != app2 {
		t.Fatal("GetApp应该返回相同的实例")
	}

	if app1.stopChan == nil {
		t.Fatal("应用实例的stopChan应该被初始化")
	}
	instance = nil
}

// TestInitialize 测试应用初始化
func TestInitialize(t *testing.T) {
	tempDir := setupTest(t)
	defer cleanupTest()

	dataDir := filepath.Join(tempDir, "data")
	if err := Initialize(dataDir); err != nil {
		t.Fatalf("初始化应用失败: %v", err)
	}

	app := GetApp()
	if app.config == nil {
		t.Fatal("应用配置应该已被设置")
	}
	if app.router == nil {
		t.Fatal("应用路由应该已被设置")
	}

	// 验证配置文件已创建
	if _, err := os.Stat(filepath.Join(dataDir, "config.json")); os.IsNotExist(err) {
		t.Error("配置文件应该已被创建")
	}

	// 检查日志文件是否已创建
	files, _ := os.ReadDir(filepath.Join(tempDir, "logs"))
	if len(files) == 0 {
		t.Error("应该已创建日志文件")
	}

	// 阅读偏好目录
	if _, err := os.Stat(filepath.Join(dataDir, "preferences")); os.IsNotExist(err) {
		t.Error("阅读偏好目录应该已被创建")
	}
}

// TestServiceDependencyOrder 测试所有服务都已注册且类型正确
func TestServiceDependencyOrder(t *testing.T) {
	tempDir := setupTest(t)
	defer cleanupTest()

	if err := config.InitConfig(filepath.Join(tempDir, "data")); err != nil {
		t.Fatalf("初始化配置失败: %v", err)
	}
	if err := InitServices(); err != nil {
		t.Fatalf("服务初始化失败: %v", err)
	}

	container := di.GetContainer()
	required := []string{
		di.ServiceConfig,
		di.ServiceMetrics,
		di.ServiceChapterCache,
		di.ServiceLibrary,
		di.ServiceNotifier,
		di.ServicePreferences,
		di.ServiceSessions,
		di.ServiceUpload,
		di.ServiceWebSocket,
		di.ServiceRateLimiter,
	}
	for _, serviceName := range required {
		if !container.Has(serviceName) {
			t.Errorf("服务 %s 应该已被注册", serviceName)
		}
	}

	if _, err := di.Resolve[*reader.Manager](container, di.ServiceSessions); err != nil {
		t.Errorf("阅读会话服务类型不正确: %v", err)
	}
	if _, err := di.Resolve[*api.WebSocketManager](container, di.ServiceWebSocket); err != nil {
		t.Errorf("推送服务类型不正确: %v", err)
	}

	// 路由只从容器获取服务
	if _, err := api.SetupRouter(); err != nil {
		t.Errorf("设置路由失败: %v", err)
	}
}

// TestSessionManagerResolvedFromContainer 会话依赖必须先注册
func TestSessionManagerResolvedFromContainer(t *testing.T) {
	tempDir := setupTest(t)
	defer cleanupTest()

	if err := config.InitConfig(filepath.Join(tempDir, "data")); err != nil {
		t.Fatalf("初始化配置失败: %v", err)
	}
	cfg := config.GetCurrentConfig()
	container := di.NewContainer()

	container.Register(di.ServiceLibrary, library.NewClient(cfg.LibraryAPIURL, time.Second))
	container.Register(di.ServiceNotifier, notify.NewHub())
	container.Register(di.ServiceMetrics, utils.NewReaderMetrics())
	if _, err := newSessionManager(container, cfg); err == nil {
		t.Fatal("阅读偏好未注册时应该返回错误")
	}

	prefs, err := storage.NewPreferenceStore(filepath.Join(tempDir, "prefs"))
	if err != nil {
		t.Fatalf("创建阅读偏好存储失败: %v", err)
	}
	container.Register(di.ServicePreferences, prefs)
	sessions, err := newSessionManager(container, cfg)
	if err != nil {
		t.Fatalf("创建阅读会话服务失败: %v", err)
	}
	sessions.Stop(context.Background())
}

// TestSetupRouterRequiresChapterCache 指标接口依赖章节缓存
func TestSetupRouterRequiresChapterCache(t *testing.T) {
	tempDir := setupTest(t)
	defer cleanupTest()

	if err := config.InitConfig(filepath.Join(tempDir, "data")); err != nil {
		t.Fatalf("初始化配置失败: %v", err)
	}
	if err := InitServices(); err != nil {
		t.Fatalf("服务初始化失败: %v", err)
	}

	di.GetContainer().Remove(di.ServiceChapterCache)
	if _, err := api.SetupRouter(); err == nil {
		t.Error("章节缓存未注册时SetupRouter应该返回错误")
	}
}

// TestSetupRouterWithoutServices 容器为空时路由设置应失败
func TestSetupRouterWithoutServices(t *testing.T) {
	setupTest(t)
	defer cleanupTest()

	if _, err := api.SetupRouter(); err == nil {
		t.Error("服务未注册时SetupRouter应该返回错误")
	}
}

// TestInitLogger 测试日志初始化
func TestInitLogger(t *testing.T) {
	tempDir := setupTest(t)
	defer cleanupTest()

	logDir := filepath.Join(tempDir, "custom_logs")
	if err := initLogger(logDir); err != nil {
		t.Fatalf("初始化日志系统失败: %v", err)
	}

	if _, err := os.Stat(logDir); os.IsNotExist(err) {
		t.Error("日志目录应该已被创建")
	}
	if _, err := os.Stat(filepath.Join(logDir, "storyreader.log")); os.IsNotExist(err) {
		t.Error("应该已创建日志文件")
	}
}

// TestRun 测试应用运行和关闭
func TestRun(t *testing.T) {
	setupTest(t)
	defer cleanupTest()

	testApp := &App{
		config:   &config.AppConfig{Port: "8081"},
		stopChan: make(chan os.Signal, 1),
	}
	instance = testApp
	mockSrv := &mockServer{}
	testApp.server = mockSrv

	// 模拟发送停止信号
	go func() {
		time.Sleep(100 * time.Millisecond)
		testApp.stopChan <- syscall.SIGTERM
	}()

	if err := Run(); err != nil {
		t.Fatalf("运行应用失败: %v", err)
	}
	if !mockSrv.ShutdownCalled {
		t.Error("应该调用了server.Shutdown")
	}
}

// TestRunServeError 服务器启动失败时Run返回错误
func TestRunServeError(t *testing.T) {
	setupTest(t)
	defer cleanupTest()

	testApp := &App{
		config:   &config.AppConfig{Port: "8081"},
		stopChan: make(chan os.Signal, 1),
	}
	instance = testApp
	mockSrv := &mockServer{ServeErr: errors.New("address already in use")}
	testApp.server = mockSrv

	if err := Run(); err == nil {
		t.Fatal("服务器启动失败时Run应该返回错误")
	}
	if !mockSrv.ShutdownCalled {
		t.Error("启动失败后也应该调用server.Shutdown")
	}
}

// TestCleanup 测试资源清理
func TestCleanup(t *testing.T) {
	setupTest(t)
	defer cleanupTest()

	testApp := &App{
		config:   &config.AppConfig{},
		stopChan: make(chan os.Signal, 1),
	}
	instance = testApp

	container := di.GetContainer()
	sessions := reader.NewManager(reader.Deps{}, time.Minute)
	sessions.Start(time.Hour)
	container.Register(di.ServiceSessions, sessions)

	wsManager := api.NewWebSocketManager(time.Minute, nil)
	wsManager.Start()
	container.Register(di.ServiceWebSocket, wsManager)

	limiter := api.NewRateLimiter()
	limiter.Start(time.Hour)
	container.Register(di.ServiceRateLimiter, limiter)

	// 后台任务都应退出，重复清理不应出错
	testApp.cleanup()
	testApp.cleanup()
}

// TestGetConfig 测试获取应用配置
func TestGetConfig(t *testing.T) {
	testConfig := &config.AppConfig{
		Port:      "9000",
		DebugMode: true,
	}
	testApp := &App{config: testConfig}

	if cfg := testApp.GetConfig(); cfg != testConfig {
		t.Error("GetConfig应该返回应用的配置")
	}
}

// TestGetDIContainer 测试获取依赖注入容器
func TestGetDIContainer(t *testing.T) {
	container := GetDIContainer()
	if container == nil {
		t.Fatal("GetDIContainer应该返回一个非nil的容器")
	}
	if container != di.GetContainer() {
		t.Error("应该返回相同的DI容器实例")
	}
}

// TestIsDebugMode 测试调试模式检查
func TestIsDebugMode(t *testing.T) {
	defer func() { instance = nil }()

	instance = nil
	if IsDebugMode() {
		t.Error("无应用实例时IsDebugMode应该返回false")
	}

	testApp := &App{}
	instance = testApp
	if IsDebugMode() {
		t.Error("应用无配置时IsDebugMode应该返回false")
	}

	testApp.config = &config.AppConfig{DebugMode: true}
	if !IsDebugMode() {
		t.Error("调试模式开启时IsDebugMode应该返回true")
	}

	testApp.config.DebugMode = false
	if IsDebugMode() {
		t.Error("调试模式关闭时IsDebugMode应该返回false")
	}
}
