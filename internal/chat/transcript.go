// internal/chat/transcript.go
package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	apperrors "github.com/Corphon/StoryReader/internal/errors"
	"github.com/Corphon/StoryReader/internal/models"
	"github.com/Corphon/StoryReader/internal/notify"
	"github.com/Corphon/StoryReader/internal/utils"
)

// Assistant 书籍问答与摘要
type Assistant interface {
	Query(ctx context.Context, bookID int, question string) (string, error)
	Summary(ctx context.Context, bookID, chapter int) (string, error)
}

// Transcript 一本书的助手对话记录，同一时间只允许一个问题在途
type Transcript struct {
	mu        sync.Mutex
	bookID    int
	messages  []models.ChatMessage
	pending   bool
	assistant Assistant
	now       func() time.Time
}

// NewTranscript 创建对话记录
func NewTranscript(bookID int, assistant Assistant) *Transcript {
	return &Transcript{
		bookID:    bookID,
		messages:  make([]models.ChatMessage, 0),
		assistant: assistant,
		now:       time.Now,
	}
}

// Messages 消息副本
func (t *Transcript) Messages() []models.ChatMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.ChatMessage, len(t.messages))
	copy(out, t.messages)
	return out
}

// Pending 是否有问题在途
func (t *Transcript) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// Send 发送问题并等待回答。
// 空问题在本地拒绝；远端失败时追加一条提示消息，返回的回复消息总是有效。
func (t *Transcript) Send(ctx context.Context, text string) (models.ChatMessage, error) {
	question := strings.TrimSpace(text)
	if question == "" {
		return models.ChatMessage{}, apperrors.NewValidationError("消息不能为空", nil)
	}

	t.mu.Lock()
	if t.pending {
		t.mu.Unlock()
		return models.ChatMessage{}, apperrors.NewConflictError("上一个问题尚未返回", nil)
	}
	t.pending = true
	t.messages = append(t.messages, models.ChatMessage{
		Sender:    models.SenderUser,
		Text:      question,
		Timestamp: t.now(),
	})
	t.mu.Unlock()

	utils.GetMetricsCollector().IncrementCounter(utils.MetricChatQueries)
	answer, err := t.assistant.Query(ctx, t.bookID, question)
	if err != nil {
		utils.GetLogger().Warn("助手问答失败", map[string]interface{}{
			"book_id": t.bookID,
			"error":   err.Error(),
		})
		answer = notify.ChatUnreachable
	} else if strings.TrimSpace(answer) == "" {
		answer = notify.NoChatResponse
	}

	reply := models.ChatMessage{
		Sender:    models.SenderBot,
		Text:      answer,
		Timestamp: t.now(),
	}

	t.mu.Lock()
	t.messages = append(t.messages, reply)
	t.pending = false
	t.mu.Unlock()

	return reply, nil
}

// Summary 截至当前章节的摘要，空摘要返回固定提示
func Summary(ctx context.Context, assistant Assistant, bookID, chapter int) (string, error) {
	summary, err := assistant.Summary(ctx, bookID, chapter)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(summary) == "" {
		return notify.NoSummaryFound, nil
	}
	return summary, nil
}
