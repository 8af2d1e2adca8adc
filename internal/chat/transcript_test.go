package chat

import (
	"context"
	"errors"
	"sync"
	"testing"

	apperrors "github.com/Corphon/StoryReader/internal/errors"
	"github.com/Corphon/StoryReader/internal/models"
	"github.com/Corphon/StoryReader/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAssistant struct {
	mu         sync.Mutex
	queries    []string
	answer     string
	err        error
	gate       chan struct{}
	entered    chan struct{}
	summary    string
	summaryErr error
}

func (f *fakeAssistant) Query(ctx context.Context, bookID int, question string) (string, error) {
	f.mu.Lock()
	f.queries = append(f.queries, question)
	gate, entered := f.gate, f.entered
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	return f.answer, f.err
}

func (f *fakeAssistant) Summary(ctx context.Context, bookID, chapter int) (string, error) {
	return f.summary, f.summaryErr
}

func TestSendAppendsBothMessages(t *testing.T) {
	assistant := &fakeAssistant{answer: "The captain of the Pequod."}
	tr := NewTranscript(1, assistant)

	reply, err := tr.Send(context.Background(), "  Who is Ahab?  ")
	require.NoError(t, err)
	assert.Equal(t, models.SenderBot, reply.Sender)
	assert.Equal(t, "The captain of the Pequod.", reply.Text)

	msgs := tr.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, models.SenderUser, msgs[0].Sender)
	assert.Equal(t, "Who is Ahab?", msgs[0].Text)
	assert.Equal(t, []string{"Who is Ahab?"}, assistant.queries)
	assert.False(t, tr.Pending())
}

func TestSendRejectsEmptyText(t *testing.T) {
	assistant := &fakeAssistant{}
	tr := NewTranscript(1, assistant)

	_, err := tr.Send(context.Background(), "   ")
	assert.True(t, apperrors.IsValidationError(err))
	assert.Empty(t, assistant.queries)
	assert.Empty(t, tr.Messages())
}

func TestSendFailureAppendsUnreachableMessage(t *testing.T) {
	tr := NewTranscript(1, &fakeAssistant{err: errors.New("connection refused")})

	reply, err := tr.Send(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, notify.ChatUnreachable, reply.Text)
	assert.Len(t, tr.Messages(), 2)
}

func TestSendEmptyAnswer(t *testing.T) {
	tr := NewTranscript(1, &fakeAssistant{answer: "  "})

	reply, err := tr.Send(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, notify.NoChatResponse, reply.Text)
}

func TestSendOneQueryInFlight(t *testing.T) {
	assistant := &fakeAssistant{
		answer:  "ok",
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	tr := NewTranscript(1, assistant)

	done := make(chan error, 1)
	go func() {
		_, err := tr.Send(context.Background(), "first")
		done <- err
	}()
	<-assistant.entered
	assert.True(t, tr.Pending())

	_, err := tr.Send(context.Background(), "second")
	assert.True(t, apperrors.IsConflictError(err))

	close(assistant.gate)
	require.NoError(t, <-done)
	assert.Equal(t, []string{"first"}, assistant.queries)
	assert.Len(t, tr.Messages(), 2)
}

func TestSummary(t *testing.T) {
	got, err := Summary(context.Background(), &fakeAssistant{summary: "Ishmael goes to sea."}, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, "Ishmael goes to sea.", got)

	got, err = Summary(context.Background(), &fakeAssistant{}, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, notify.NoSummaryFound, got)

	_, err = Summary(context.Background(), &fakeAssistant{summaryErr: apperrors.NewTransientError("down", nil)}, 1, 2)
	assert.True(t, apperrors.IsTransientError(err))
}
