package upload

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	apperrors "github.com/Corphon/StoryReader/internal/errors"
	"github.com/Corphon/StoryReader/internal/models"
)

type fakeUploader struct {
	calls    int
	filename string
	content  string
	err      error
}

func (f *fakeUploader) Upload(ctx context.Context, filename string, content io.Reader) (*models.UploadResult, error) {
	f.calls++
	f.filename = filename
	data, _ := io.ReadAll(content)
	f.content = string(data)
	if f.err != nil {
		return nil, f.err
	}
	return &models.UploadResult{BookID: 42, Message: "Book uploaded successfully"}, nil
}

const pdfContent = "%PDF-1.4\n1 0 obj\n<<>>\nendobj\n"

// zip 本地文件头后紧跟未压缩的 mimetype 条目
var zipContent = "PK\x03\x04\x0a\x00\x00\x00\x00\x00" + strings.Repeat("\x00", 16) +
	"\x08\x00\x00\x00" + "mimetypeapplication/epub+zip" + "META-INF/container.xml"

// TestUploadAccepted 测试合法文件被转发
func TestUploadAccepted(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  string
	}{
		{"PDF", "book.pdf", pdfContent},
		{"EPUB 容器", "novel.EPUB", zipContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lib := &fakeUploader{}
			svc := NewService(lib, 0)

			result, err := svc.Upload(context.Background(), "/tmp/"+tt.filename, strings.NewReader(tt.content))
			if err != nil {
				t.Fatalf("上传失败: %v", err)
			}
			if result.BookID != 42 {
				t.Errorf("书籍ID应为 42，实际 %d", result.BookID)
			}
			if lib.filename != tt.filename {
				t.Errorf("转发的文件名应去掉目录，实际 %q", lib.filename)
			}
			if lib.content != tt.content {
				t.Error("转发的内容应与原文件一致")
			}
		})
	}
}

// TestUploadRejectedLocally 测试本地校验失败时不发出请求
func TestUploadRejectedLocally(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  io.Reader
	}{
		{"未选择文件", "", strings.NewReader(pdfContent)},
		{"内容为 nil", "book.pdf", nil},
		{"不支持的扩展名", "book.txt", strings.NewReader("plain text")},
		{"空文件", "book.pdf", strings.NewReader("")},
		{"内容不符", "book.pdf", strings.NewReader(zipContent)},
		{"无法识别", "book.epub", strings.NewReader("just some text")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lib := &fakeUploader{}
			svc := NewService(lib, 0)

			_, err := svc.Upload(context.Background(), tt.filename, tt.content)
			if !apperrors.IsValidationError(err) {
				t.Fatalf("应返回验证错误，实际 %v", err)
			}
			if lib.calls != 0 {
				t.Errorf("校验失败时不应发出请求，实际调用 %d 次", lib.calls)
			}
		})
	}
}

// TestUploadTooLarge 测试大小限制
func TestUploadTooLarge(t *testing.T) {
	lib := &fakeUploader{}
	svc := NewService(lib, 16)

	_, err := svc.Upload(context.Background(), "big.pdf", strings.NewReader(pdfContent))
	if !apperrors.IsValidationError(err) {
		t.Fatalf("超出大小应返回验证错误，实际 %v", err)
	}
	if lib.calls != 0 {
		t.Error("超出大小时不应发出请求")
	}
}

// TestUploadRemoteFailure 测试书库失败
func TestUploadRemoteFailure(t *testing.T) {
	lib := &fakeUploader{err: apperrors.NewTransientError("书库服务不可用", errors.New("dial tcp"))}
	svc := NewService(lib, 0)

	_, err := svc.Upload(context.Background(), "book.pdf", strings.NewReader(pdfContent))
	if !apperrors.IsTransientError(err) {
		t.Fatalf("应返回临时错误，实际 %v", err)
	}
	if lib.calls != 1 {
		t.Errorf("应只请求一次，实际 %d 次", lib.calls)
	}
}

// TestAccept 测试 accept 属性
func TestAccept(t *testing.T) {
	if got := Accept(); got != ".epub,.pdf" {
		t.Errorf("accept 应为 .epub,.pdf，实际 %s", got)
	}
}
