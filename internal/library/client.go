// internal/library/client.go
package library

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/Corphon/StoryReader/internal/errors"
	"github.com/Corphon/StoryReader/internal/models"
	"github.com/Corphon/StoryReader/internal/utils"
	"golang.org/x/sync/singleflight"
)

// 响应体读取上限
const maxResponseBytes = 16 << 20

// ChapterStore 章节缓存
type ChapterStore interface {
	Get(key models.ChapterKey) (*models.ChapterContent, bool)
	Put(key models.ChapterKey, chapter *models.ChapterContent)
}

// Client 远端书库服务客户端
type Client struct {
	baseURL string
	client  *http.Client
	cache   ChapterStore
	group   singleflight.Group
	metrics *utils.ReaderMetrics
	logger  *utils.Logger
}

// Option 客户端选项
type Option func(*Client)

// WithHTTPClient 替换 HTTP 客户端
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithChapterStore 为章节读取加缓存
func WithChapterStore(store ChapterStore) Option {
	return func(c *Client) {
		c.cache = store
	}
}

// WithMetrics 指定指标记录器
func WithMetrics(m *utils.ReaderMetrics) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// NewClient 创建客户端，timeout 是每个请求唯一的时间上限
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		metrics: utils.NewReaderMetrics(),
		logger:  utils.GetLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL 书库服务地址
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Chapter 获取章节。相同章节的并发请求合并为一次。
func (c *Client) Chapter(ctx context.Context, bookID, chapter int) (*models.ChapterContent, error) {
	if err := validateChapter(bookID, chapter); err != nil {
		return nil, err
	}

	key := models.ChapterKey{BookID: bookID, Chapter: chapter}
	if c.cache != nil {
		if cached, ok := c.cache.Get(key); ok {
			c.metrics.RecordChapterFetch(bookID, chapter, true, 0)
			return cached, nil
		}
	}

	v, err := c.shared(ctx, fmt.Sprintf("chapter:%d:%d", bookID, chapter), func(ctx context.Context) (interface{}, error) {
		start := time.Now()
		var resp chapterResponse
		if err := c.getJSON(ctx, fmt.Sprintf("/books/%d/chapters/%d/", bookID, chapter), &resp); err != nil {
			return nil, err
		}
		content, err := resp.toModel()
		if err != nil {
			return nil, apperrors.NewTransientError("章节数据格式错误", err)
		}
		c.metrics.RecordChapterFetch(bookID, chapter, false, time.Since(start))
		if c.cache != nil {
			c.cache.Put(key, content)
		}
		return content, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.ChapterContent), nil
}

// shared 合并相同 key 的并发请求。
// 共享请求不随任何一个调用方取消，只受客户端超时约束；调用方取消时自己先返回。
func (c *Client) shared(ctx context.Context, key string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		return fn(fetchCtx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, apperrors.NewTransientError("请求已取消", ctx.Err())
	}
}

// Characters 获取角色列表，空列表是有效结果
func (c *Client) Characters(ctx context.Context, bookID int) ([]models.CharacterRecord, error) {
	if bookID <= 0 {
		return nil, apperrors.NewValidationError("无效的书籍ID", nil)
	}

	v, err := c.shared(ctx, "characters:"+strconv.Itoa(bookID), func(ctx context.Context) (interface{}, error) {
		var resp []characterResponse
		if err := c.getJSON(ctx, fmt.Sprintf("/books/%d/characters/", bookID), &resp); err != nil {
			return nil, err
		}
		records := make([]models.CharacterRecord, 0, len(resp))
		for i := range resp {
			record, ok := resp[i].toModel()
			if !ok {
				c.logger.Warn("忽略缺少名称的角色", map[string]interface{}{
					"book_id": bookID,
					"index":   i,
				})
				continue
			}
			records = append(records, record)
		}
		return records, nil
	})
	if err != nil {
		return nil, err
	}

	// 共享结果需要复制
	cached := v.([]models.CharacterRecord)
	out := make([]models.CharacterRecord, len(cached))
	copy(out, cached)
	return out, nil
}

// FetchScene 获取事件场景图
func (c *Client) FetchScene(ctx context.Context, bookID, chapter, eventIndex int) (*models.SceneImage, error) {
	if err := validateChapter(bookID, chapter); err != nil {
		return nil, err
	}
	if eventIndex < 0 {
		return nil, apperrors.NewValidationError("无效的事件编号", nil)
	}

	var resp sceneResponse
	path := fmt.Sprintf("/books/%d/chapters/%d/scene/%d/", bookID, chapter, eventIndex)
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	scene, err := resp.toModel()
	if err != nil {
		return nil, apperrors.NewTransientError("场景数据格式错误", err)
	}
	return scene, nil
}

// SetLastChapter 记录最后阅读的章节
func (c *Client) SetLastChapter(ctx context.Context, bookID, chapter int) error {
	if err := validateChapter(bookID, chapter); err != nil {
		return err
	}
	path := fmt.Sprintf("/books/%d/set_last/%d/", bookID, chapter)
	return c.do(ctx, http.MethodPost, path, nil, "", nil)
}

// LastChapter 获取最后阅读的章节
func (c *Client) LastChapter(ctx context.Context, bookID int) (*models.ChapterContent, error) {
	if bookID <= 0 {
		return nil, apperrors.NewValidationError("无效的书籍ID", nil)
	}
	var resp chapterResponse
	if err := c.getJSON(ctx, fmt.Sprintf("/books/%d/last_chapter", bookID), &resp); err != nil {
		return nil, err
	}
	content, err := resp.toModel()
	if err != nil {
		return nil, apperrors.NewTransientError("章节数据格式错误", err)
	}
	return content, nil
}

// Books 书库列表
func (c *Client) Books(ctx context.Context) ([]models.BookEntry, error) {
	var resp []bookResponse
	if err := c.getJSON(ctx, "/books/", &resp); err != nil {
		return nil, err
	}
	books := make([]models.BookEntry, 0, len(resp))
	for i := range resp {
		if entry, ok := resp[i].toModel(); ok {
			books = append(books, entry)
		}
	}
	return books, nil
}

// Summary 截至某章的摘要，可能为空
func (c *Client) Summary(ctx context.Context, bookID, chapter int) (string, error) {
	if err := validateChapter(bookID, chapter); err != nil {
		return "", err
	}
	var resp summaryResponse
	if err := c.getJSON(ctx, fmt.Sprintf("/books/summary/%d/%d/", bookID, chapter), &resp); err != nil {
		return "", err
	}
	if resp.Summary == nil {
		return "", nil
	}
	return strings.TrimSpace(*resp.Summary), nil
}

// Query 向书籍助手提问，问题作为路径段转义
func (c *Client) Query(ctx context.Context, bookID int, question string) (string, error) {
	if bookID <= 0 {
		return "", apperrors.NewValidationError("无效的书籍ID", nil)
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return "", apperrors.NewValidationError("问题不能为空", nil)
	}
	var resp queryResponse
	path := fmt.Sprintf("/books/query/%d/%s/", bookID, url.PathEscape(question))
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return "", err
	}
	return resp.text(), nil
}

// Graph 角色关系图
func (c *Client) Graph(ctx context.Context, bookID int) (*models.RelationshipGraph, error) {
	if bookID <= 0 {
		return nil, apperrors.NewValidationError("无效的书籍ID", nil)
	}
	var resp graphResponse
	if err := c.getJSON(ctx, fmt.Sprintf("/books/%d/graph/", bookID), &resp); err != nil {
		return nil, err
	}
	return resp.toModel(), nil
}

// Upload 以 multipart 表单的 file 字段转发源文件
func (c *Client) Upload(ctx context.Context, filename string, content io.Reader) (*models.UploadResult, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, apperrors.NewInternalError("构建上传表单失败", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, apperrors.NewInternalError("读取上传文件失败", err)
	}
	if err := writer.Close(); err != nil {
		return nil, apperrors.NewInternalError("构建上传表单失败", err)
	}

	var resp uploadResponse
	if err := c.do(ctx, http.MethodPost, "/books/upload/", &body, writer.FormDataContentType(), &resp); err != nil {
		return nil, err
	}
	result, err := resp.toModel()
	if err != nil {
		return nil, apperrors.NewTransientError("上传响应格式错误", err)
	}
	return result, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, "", out)
}

// do 发送请求并按状态码分类错误：404 为未找到，其余失败均为临时错误
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return apperrors.NewInternalError("创建请求失败", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("书库服务请求失败", map[string]interface{}{
			"method": method,
			"path":   path,
			"error":  err.Error(),
		})
		return apperrors.NewTransientError("书库服务不可用", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return apperrors.NewTransientError("读取书库响应失败", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return apperrors.NewNotFoundError(remoteMessage(data, "资源不存在"), nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("书库服务返回错误状态", map[string]interface{}{
			"method": method,
			"path":   path,
			"status": resp.StatusCode,
		})
		return apperrors.NewTransientError(
			fmt.Sprintf("书库服务返回 %d: %s", resp.StatusCode, remoteMessage(data, http.StatusText(resp.StatusCode))), nil)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.NewTransientError("解析书库响应失败", err)
	}
	return nil
}

func remoteMessage(data []byte, fallback string) string {
	var e errorResponse
	if json.Unmarshal(data, &e) == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.Message != "" {
			return e.Message
		}
	}
	return fallback
}

func validateChapter(bookID, chapter int) error {
	if bookID <= 0 {
		return apperrors.NewValidationError("无效的书籍ID", nil)
	}
	if chapter < 1 {
		return apperrors.NewValidationError("无效的章节号", nil)
	}
	return nil
}
