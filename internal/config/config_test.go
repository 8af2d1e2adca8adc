package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func resetConfig() {
	configMutex.Lock()
	currentConfig = nil
	configMutex.Unlock()
}

// TestLoadDefaults 测试默认配置
func TestLoadDefaults(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("DATA_DIR", filepath.Join(tempDir, "data"))
	t.Setenv("STATIC_DIR", filepath.Join(tempDir, "static"))
	t.Setenv("LOG_DIR", filepath.Join(tempDir, "logs"))
	t.Setenv("LIBRARY_API_URL", "http://library.local/api/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("默认端口应为 8080，实际为 %s", cfg.Port)
	}
	if cfg.LibraryAPIURL != "http://library.local/api" {
		t.Errorf("书库地址应去掉末尾斜杠，实际为 %s", cfg.LibraryAPIURL)
	}
	if cfg.WordsPerMinute != 260 {
		t.Errorf("默认阅读速度应为 260，实际为 %d", cfg.WordsPerMinute)
	}
	if cfg.MarkerPrefix != "ev" {
		t.Errorf("默认标记前缀应为 ev，实际为 %s", cfg.MarkerPrefix)
	}
	if _, err := os.Stat(cfg.DataDir); err != nil {
		t.Errorf("数据目录应已创建: %v", err)
	}
}

// TestLoadInvalidValues 测试非法数值
func TestLoadInvalidValues(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("DATA_DIR", tempDir)
	t.Setenv("STATIC_DIR", tempDir)
	t.Setenv("LOG_DIR", tempDir)

	t.Setenv("SESSION_TTL_MINUTES", "abc")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.SessionTTLMinutes != 60 {
		t.Errorf("无法解析时应使用默认值 60，实际为 %d", cfg.SessionTTLMinutes)
	}

	t.Setenv("WORDS_PER_MINUTE", "0")
	if _, err := Load(); err == nil {
		t.Error("阅读速度为 0 时应返回错误")
	}
}

// TestInitConfigKeepsReaderPreferences 测试保存的阅读偏好在重启后保留
func TestInitConfigKeepsReaderPreferences(t *testing.T) {
	defer resetConfig()
	tempDir := t.TempDir()
	t.Setenv("DATA_DIR", tempDir)
	t.Setenv("STATIC_DIR", tempDir)
	t.Setenv("LOG_DIR", tempDir)
	t.Setenv("PORT", "9090")

	saved := AppConfig{Port: "1111", Reader: ReaderPreferences{DefaultFontSize: 40, AutoPlayMusic: true}}
	data, _ := json.Marshal(saved)
	if err := os.WriteFile(filepath.Join(tempDir, "config.json"), data, 0644); err != nil {
		t.Fatalf("写入配置文件失败: %v", err)
	}

	if err := InitConfig(tempDir); err != nil {
		t.Fatalf("初始化配置失败: %v", err)
	}

	cfg := GetCurrentConfig()
	if cfg.Port != "9090" {
		t.Errorf("端口应以环境变量为准，实际为 %s", cfg.Port)
	}
	if cfg.Reader.DefaultFontSize != MaxFontSize {
		t.Errorf("保存的字号应被限制为 %d，实际为 %d", MaxFontSize, cfg.Reader.DefaultFontSize)
	}
	if !cfg.Reader.AutoPlayMusic {
		t.Error("应保留自动播放偏好")
	}

	if err := UpdateReaderPreferences(ReaderPreferences{DefaultFontSize: 20}); err != nil {
		t.Fatalf("更新阅读偏好失败: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(tempDir, "config.json"))
	if err != nil {
		t.Fatalf("读取配置文件失败: %v", err)
	}
	var onDisk AppConfig
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("解析配置文件失败: %v", err)
	}
	if onDisk.Reader.DefaultFontSize != 20 {
		t.Errorf("文件中的字号应为 20，实际为 %d", onDisk.Reader.DefaultFontSize)
	}
}

// TestClampFontSize 测试字号限制
func TestClampFontSize(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, DefaultFontSize},
		{4, MinFontSize},
		{10, 10},
		{18, 18},
		{32, 32},
		{33, MaxFontSize},
	}
	for _, tt := range tests {
		if got := ClampFontSize(tt.in); got != tt.want {
			t.Errorf("ClampFontSize(%d) = %d, 期望 %d", tt.in, got, tt.want)
		}
	}
}
