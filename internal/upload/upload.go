// internal/upload/upload.go
package upload

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"

	apperrors "github.com/Corphon/StoryReader/internal/errors"
	"github.com/Corphon/StoryReader/internal/models"
	"github.com/Corphon/StoryReader/internal/utils"
)

// DefaultMaxBytes 默认上传上限
const DefaultMaxBytes int64 = 50 << 20

// filetype 识别文件头需要的字节数
const sniffLen = 262

// AcceptedExtensions 允许上传的扩展名
var AcceptedExtensions = []string{".epub", ".pdf"}

// 扩展名允许的内容类型。epub 是 zip 容器，mimetype 条目不在开头时只能识别为 zip。
var acceptedKinds = map[string][]string{
	".epub": {"epub", "zip"},
	".pdf":  {"pdf"},
}

// Uploader 将源文件转发到书库
type Uploader interface {
	Upload(ctx context.Context, filename string, content io.Reader) (*models.UploadResult, error)
}

// Service 校验并转发上传
type Service struct {
	library  Uploader
	maxBytes int64
	metrics  *utils.MetricsCollector
	logger   *utils.Logger
}

// NewService 创建上传服务
func NewService(library Uploader, maxBytes int64) *Service {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Service{
		library:  library,
		maxBytes: maxBytes,
		metrics:  utils.GetMetricsCollector(),
		logger:   utils.GetLogger(),
	}
}

// MaxBytes 单个文件大小上限
func (s *Service) MaxBytes() int64 {
	return s.maxBytes
}

// Accept 返回给文件选择框使用的 accept 属性
func Accept() string {
	return strings.Join(AcceptedExtensions, ",")
}

// Upload 本地校验通过后才发出请求
func (s *Service) Upload(ctx context.Context, filename string, content io.Reader) (*models.UploadResult, error) {
	data, err := s.validate(filename, content)
	if err != nil {
		s.metrics.IncrementCounter(utils.MetricUploadsRejected)
		s.logger.Info("上传文件被拒绝", map[string]interface{}{
			"filename": filename,
			"reason":   err.Error(),
		})
		return nil, err
	}

	result, err := s.library.Upload(ctx, filepath.Base(filename), bytes.NewReader(data))
	if err != nil {
		s.logger.Error("上传文件失败", map[string]interface{}{
			"filename": filename,
			"error":    err.Error(),
		})
		return nil, err
	}

	s.metrics.IncrementCounter(utils.MetricUploads)
	s.logger.Info("书籍上传成功", map[string]interface{}{
		"filename": filename,
		"book_id":  result.BookID,
		"bytes":    len(data),
	})
	return result, nil
}

func (s *Service) validate(filename string, content io.Reader) ([]byte, error) {
	if strings.TrimSpace(filename) == "" || content == nil {
		return nil, apperrors.NewValidationError("未选择文件", nil)
	}

	ext := strings.ToLower(filepath.Ext(filename))
	kinds, ok := acceptedKinds[ext]
	if !ok {
		return nil, apperrors.NewValidationError("不支持的文件类型，仅接受 "+Accept(), nil)
	}

	data, err := io.ReadAll(io.LimitReader(content, s.maxBytes+1))
	if err != nil {
		return nil, apperrors.NewValidationError("读取上传文件失败", err)
	}
	if len(data) == 0 {
		return nil, apperrors.NewValidationError("上传文件为空", nil)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, apperrors.NewValidationError("上传文件过大", nil)
	}

	head := data[:min(len(data), sniffLen)]
	kind, err := filetype.Match(head)
	if err != nil || kind == filetype.Unknown {
		return nil, apperrors.NewValidationError("无法识别文件内容", err)
	}
	for _, k := range kinds {
		if kind.Extension == k {
			return data, nil
		}
	}
	return nil, apperrors.NewValidationError("文件内容与扩展名不符: "+kind.Extension, nil)
}
