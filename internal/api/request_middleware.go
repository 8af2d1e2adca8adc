// internal/api/request_middleware.go
package api

import (
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Corphon/StoryReader/internal/utils"
)

const (
	requestIDKey    = "request_id"
	requestIDHeader = "X-Request-ID"

	readerIDKey    = "reader_id"
	readerIDHeader = "X-Reader-ID"
	readerCookie   = "reader_id"
)

var readerIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// RequestIDMiddleware 为每个请求分配追踪 ID，沿用客户端传入的值
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.New().String()
		}
		c.Set(requestIDKey, requestID)
		c.Header(requestIDHeader, requestID)
		c.Next()
	}
}

// MetricsMiddleware 记录请求耗时和状态码
func MetricsMiddleware(metrics *utils.ReaderMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		duration := time.Since(start)
		metrics.RecordAPIRequest(endpoint, c.Request.Method, c.Writer.Status(), duration)

		if c.Writer.Status() >= http.StatusInternalServerError {
			utils.GetLogger().Warn("请求返回服务端错误", map[string]interface{}{
				"method":     c.Request.Method,
				"path":       endpoint,
				"status":     c.Writer.Status(),
				"request_id": c.GetString(requestIDKey),
				"duration":   duration.Milliseconds(),
			})
		}
	}
}

// ReaderIdentityMiddleware 识别读者，用于保存阅读偏好。
// 不做身份验证：依次取请求头和 cookie，都没有时分配新的标识。
func ReaderIdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		readerID := c.GetHeader(readerIDHeader)
		if !readerIDPattern.MatchString(readerID) {
			readerID, _ = c.Cookie(readerCookie)
		}
		if !readerIDPattern.MatchString(readerID) {
			readerID = uuid.New().String()
			c.SetSameSite(http.SameSiteLaxMode)
			c.SetCookie(readerCookie, readerID, 365*24*3600, "/", "", false, true)
		}
		c.Set(readerIDKey, readerID)
		c.Next()
	}
}

// GetReaderFromContext 当前请求的读者标识
func GetReaderFromContext(c *gin.Context) string {
	return c.GetString(readerIDKey)
}

// corsMiddleware 实现跨域资源共享
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, accept, origin, Cache-Control, X-Requested-With, X-Request-ID, X-Reader-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
