// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// 阅读偏好默认值
const (
	DefaultFontSize = 16
	MinFontSize     = 10
	MaxFontSize     = 32
	FontSizeStep    = 2
)

// 当前配置的单例实例
var (
	currentConfig *AppConfig
	configMutex   sync.RWMutex
	configFile    string
)

// AppConfig 运行时配置，阅读偏好部分持久化到 DATA_DIR/config.json
type AppConfig struct {
	// 基础配置
	Port         string `json:"port"`
	DataDir      string `json:"data_dir"`
	StaticDir    string `json:"static_dir"`
	TemplatesDir string `json:"templates_dir"`
	LogDir       string `json:"log_dir"`
	LogLevel     string `json:"log_level"`
	DebugMode    bool   `json:"debug_mode"`

	// 远端书库
	LibraryAPIURL         string `json:"library_api_url"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`

	// 阅读会话
	SessionTTLMinutes int    `json:"session_ttl_minutes"`
	MarkerPrefix      string `json:"marker_prefix"`
	WordsPerMinute    int    `json:"words_per_minute"`
	ChapterCacheSize  int    `json:"chapter_cache_size"`
	MaxUploadMB       int    `json:"max_upload_mb"`

	// 阅读偏好
	Reader ReaderPreferences `json:"reader"`
}

// ReaderPreferences 可在运行中修改并保存的偏好
type ReaderPreferences struct {
	DefaultFontSize int  `json:"default_font_size"`
	AutoPlayMusic   bool `json:"auto_play_music"`
}

// Config 从环境变量读取的基础配置
type Config struct {
	Port                  string
	DataDir               string
	StaticDir             string
	TemplatesDir          string
	LogDir                string
	LogLevel              string
	DebugMode             bool
	LibraryAPIURL         string
	RequestTimeoutSeconds int
	SessionTTLMinutes     int
	MarkerPrefix          string
	WordsPerMinute        int
	ChapterCacheSize      int
	MaxUploadMB           int
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	// .env 文件可选
	godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", "8080"),
		DataDir:               getEnvPath("DATA_DIR", "data"),
		StaticDir:             getEnvPath("STATIC_DIR", "static"),
		TemplatesDir:          getEnv("TEMPLATES_DIR", ""),
		LogDir:                getEnvPath("LOG_DIR", "logs"),
		LogLevel:              getEnv("LOG_LEVEL", "INFO"),
		DebugMode:             getEnvBool("DEBUG_MODE", false),
		LibraryAPIURL:         strings.TrimRight(getEnv("LIBRARY_API_URL", "http://127.0.0.1:8000/api"), "/"),
		RequestTimeoutSeconds: getEnvInt("REQUEST_TIMEOUT_SECONDS", 30),
		SessionTTLMinutes:     getEnvInt("SESSION_TTL_MINUTES", 60),
		MarkerPrefix:          getEnv("MARKER_PREFIX", "ev"),
		WordsPerMinute:        getEnvInt("WORDS_PER_MINUTE", 260),
		ChapterCacheSize:      getEnvInt("CHAPTER_CACHE_SIZE", 200),
		MaxUploadMB:           getEnvInt("MAX_UPLOAD_MB", 50),
	}

	if cfg.LibraryAPIURL == "" {
		return nil, fmt.Errorf("LIBRARY_API_URL 不能为空")
	}
	if cfg.WordsPerMinute <= 0 {
		return nil, fmt.Errorf("WORDS_PER_MINUTE 必须为正数: %d", cfg.WordsPerMinute)
	}

	return cfg, nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvPath 获取路径类环境变量并确保目录存在
func getEnvPath(key, defaultValue string) string {
	path := getEnv(key, defaultValue)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0755); err != nil {
			fmt.Printf("警告: 创建目录失败 %s: %v\n", path, err)
		}
	}

	return path
}

// getEnvBool 获取布尔类型环境变量
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt 获取整数类型环境变量，无法解析时使用默认值
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		fmt.Printf("警告: 环境变量 %s=%q 不是整数，使用默认值 %d\n", key, value, defaultValue)
		return defaultValue
	}
	return n
}

func fromBase(base *Config) *AppConfig {
	return &AppConfig{
		Port:                  base.Port,
		DataDir:               base.DataDir,
		StaticDir:             base.StaticDir,
		TemplatesDir:          base.TemplatesDir,
		LogDir:                base.LogDir,
		LogLevel:              base.LogLevel,
		DebugMode:             base.DebugMode,
		LibraryAPIURL:         base.LibraryAPIURL,
		RequestTimeoutSeconds: base.RequestTimeoutSeconds,
		SessionTTLMinutes:     base.SessionTTLMinutes,
		MarkerPrefix:          base.MarkerPrefix,
		WordsPerMinute:        base.WordsPerMinute,
		ChapterCacheSize:      base.ChapterCacheSize,
		MaxUploadMB:           base.MaxUploadMB,
		Reader: ReaderPreferences{
			DefaultFontSize: DefaultFontSize,
		},
	}
}

// InitConfig 初始化配置管理器
func InitConfig(dataDir string) error {
	configFile = filepath.Join(dataDir, "config.json")

	baseConfig, err := Load()
	if err != nil {
		return err
	}

	configMutex.Lock()
	defer configMutex.Unlock()

	currentConfig = fromBase(baseConfig)

	// 只保留文件中的阅读偏好，其余以环境变量为准
	if data, err := os.ReadFile(configFile); err == nil {
		var saved AppConfig
		if json.Unmarshal(data, &saved) == nil {
			currentConfig.Reader = saved.Reader
			currentConfig.Reader.DefaultFontSize = ClampFontSize(saved.Reader.DefaultFontSize)
		}
	}

	return saveLocked()
}

// GetCurrentConfig 返回当前配置的副本
func GetCurrentConfig() *AppConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if currentConfig == nil {
		// 未初始化时按环境变量构造
		baseConfig, err := Load()
		if err != nil {
			baseConfig = &Config{
				Port:                  "8080",
				LibraryAPIURL:         "http://127.0.0.1:8000/api",
				RequestTimeoutSeconds: 30,
				SessionTTLMinutes:     60,
				MarkerPrefix:          "ev",
				WordsPerMinute:        260,
				ChapterCacheSize:      200,
				MaxUploadMB:           50,
			}
		}
		return fromBase(baseConfig)
	}

	configCopy := *currentConfig
	return &configCopy
}

// UpdateReaderPreferences 更新并保存阅读偏好
func UpdateReaderPreferences(prefs ReaderPreferences) error {
	configMutex.Lock()
	defer configMutex.Unlock()

	if currentConfig == nil {
		return fmt.Errorf("配置系统未初始化")
	}

	prefs.DefaultFontSize = ClampFontSize(prefs.DefaultFontSize)
	currentConfig.Reader = prefs

	return saveLocked()
}

// SaveConfig 保存当前配置到文件
func SaveConfig() error {
	configMutex.RLock()
	defer configMutex.RUnlock()
	return saveLocked()
}

// saveLocked 调用方需持有 configMutex
func saveLocked() error {
	if currentConfig == nil {
		return fmt.Errorf("没有配置可保存")
	}

	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}

	data, err := json.MarshalIndent(currentConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	return os.WriteFile(configFile, data, 0644)
}

// ClampFontSize 将字号限制在 [MinFontSize, MaxFontSize]，0 表示默认值
func ClampFontSize(size int) int {
	switch {
	case size == 0:
		return DefaultFontSize
	case size < MinFontSize:
		return MinFontSize
	case size > MaxFontSize:
		return MaxFontSize
	default:
		return size
	}
}

// RequestTimeout 远端请求超时
func (c *AppConfig) RequestTimeout() time.Duration {
	if c.RequestTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// SessionTTL 会话闲置过期时间
func (c *AppConfig) SessionTTL() time.Duration {
	if c.SessionTTLMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}

// MaxUploadBytes 上传大小上限
func (c *AppConfig) MaxUploadBytes() int64 {
	if c.MaxUploadMB <= 0 {
		return 50 << 20
	}
	return int64(c.MaxUploadMB) << 20
}
