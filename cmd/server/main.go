// cmd/server/main.go
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/Corphon/StoryReader/internal/app"
	"github.com/Corphon/StoryReader/internal/config"
	"github.com/Corphon/StoryReader/internal/di"
	"github.com/Corphon/StoryReader/internal/utils"
)

func main() {
	log.Println("🚀 启动 StoryReader 服务器...")

	// 1. 首先加载基础配置
	baseConfig, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	log.Printf("✅ 基础配置加载完成，端口: %s", baseConfig.Port)

	// 2. 创建必要的目录
	createDirectories(baseConfig)
	log.Println("✅ 目录结构创建完成")

	// 3. 初始化配置、日志、服务和路由
	if err := app.Initialize(baseConfig.DataDir); err != nil {
		log.Fatalf("❌ 初始化应用失败: %v", err)
	}
	log.Printf("✅ 依赖注入容器初始化完成，服务数量: %d", len(di.GetContainer().GetNames()))

	// 4. 健康检查
	if err := performHealthCheck(); err != nil {
		log.Printf("⚠️ 服务健康检查警告: %v", err)
	}

	// 5. 启动服务器，收到信号后优雅关闭
	log.Printf("🌐 服务器启动在端口 %s", baseConfig.Port)
	log.Printf("🔗 书库服务: %s", baseConfig.LibraryAPIURL)
	utils.GetLogger().Info("服务器启动", map[string]interface{}{
		"port":        baseConfig.Port,
		"library_api": baseConfig.LibraryAPIURL,
		"debug":       app.IsDebugMode(),
	})

	if err := app.Run(); err != nil {
		log.Fatalf("❌ 服务器异常退出: %v", err)
	}
	log.Println("✅ 服务器优雅关闭完成")
}

// 健康检查函数
func performHealthCheck() error {
	container := di.GetContainer()

	// 检查关键服务是否已注册
	criticalServices := []string{
		di.ServiceLibrary,
		di.ServiceSessions,
		di.ServiceNotifier,
		di.ServiceWebSocket,
	}
	for _, serviceName := range criticalServices {
		if !container.Has(serviceName) {
			return fmt.Errorf("关键服务未注册: %s", serviceName)
		}
	}

	log.Println("✅ 服务健康检查通过")
	return nil
}

// createDirectories 创建应用所需的目录结构
func createDirectories(cfg *config.Config) {
	dirs := []string{
		cfg.DataDir,
		filepath.Join(cfg.DataDir, "preferences"),
		cfg.LogDir,
		cfg.StaticDir,
		filepath.Join(cfg.StaticDir, "music"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("创建目录失败 %s: %v", dir, err)
		}
	}
}
