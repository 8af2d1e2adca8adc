// internal/api/error_codes.go
package api

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorNotFound      = "NOT_FOUND"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorConflict      = "CONFLICT"
	ErrorRateLimited   = "RATE_LIMIT_EXCEEDED"

	// 会话相关错误
	ErrorSessionNotFound = "SESSION_NOT_FOUND"
	ErrorSessionInvalid  = "SESSION_INVALID"

	// 章节相关错误
	ErrorChapterNotFound    = "CHAPTER_NOT_FOUND"
	ErrorChapterUnavailable = "CHAPTER_UNAVAILABLE"
	ErrorChapterInvalid     = "CHAPTER_INVALID"

	// 事件区域相关错误
	ErrorRegionNotFound = "REGION_NOT_FOUND"
	ErrorRegionInvalid  = "REGION_INVALID"

	// 书库服务相关错误
	ErrorBookNotFound       = "BOOK_NOT_FOUND"
	ErrorLibraryUnavailable = "LIBRARY_UNAVAILABLE"

	// 助手相关错误
	ErrorChatInvalid = "CHAT_INVALID"
	ErrorChatPending = "CHAT_PENDING"

	// 文件相关错误
	ErrorFileUploadFailed = "FILE_UPLOAD_FAILED"
	ErrorFileInvalid      = "FILE_INVALID"
	ErrorFileMissing      = "FILE_MISSING"
)
