package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Corphon/StoryReader/internal/errors"
	"github.com/Corphon/StoryReader/internal/markup"
	"github.com/Corphon/StoryReader/internal/models"
	"github.com/Corphon/StoryReader/internal/notify"
	"github.com/Corphon/StoryReader/internal/reader"
	"github.com/Corphon/StoryReader/internal/storage"
	"github.com/Corphon/StoryReader/internal/upload"
	"github.com/Corphon/StoryReader/internal/utils"
)

const testChapter = `<p>The storm broke over the harbour.</p><div id="ev1"></div><p>Morning came slowly.</p>`

type fakeLibrary struct {
	mu        sync.Mutex
	sceneGate chan struct{}
	last      int
	graphErr  error
	uploads   int
}

func (f *fakeLibrary) Chapter(ctx context.Context, bookID, chapter int) (*models.ChapterContent, error) {
	if chapter > 3 {
		return nil, apperrors.NewNotFoundError("chapter missing", nil)
	}
	return &models.ChapterContent{
		BookID:        bookID,
		Title:         "Tides",
		Author:        "A. Writer",
		ChapterNumber: chapter,
		ChapterTitle:  "The Storm",
		Content:       testChapter,
		MusicMood:     models.MoodHopeful,
	}, nil
}

func (f *fakeLibrary) Characters(ctx context.Context, bookID int) ([]models.CharacterRecord, error) {
	return nil, nil
}

func (f *fakeLibrary) SetLastChapter(ctx context.Context, bookID, chapter int) error {
	return nil
}

func (f *fakeLibrary) FetchScene(ctx context.Context, bookID, chapter, eventIndex int) (*models.SceneImage, error) {
	f.mu.Lock()
	gate := f.sceneGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return &models.SceneImage{ImageURL: "/img/1.png", Caption: "harbour"}, nil
}

func (f *fakeLibrary) Query(ctx context.Context, bookID int, question string) (string, error) {
	return "It is about the sea.", nil
}

func (f *fakeLibrary) Summary(ctx context.Context, bookID, chapter int) (string, error) {
	return "A storm.", nil
}

func (f *fakeLibrary) Books(ctx context.Context) ([]models.BookEntry, error) {
	return []models.BookEntry{{ID: 7, Title: "Tides", Author: "A. Writer", Tags: []string{}}}, nil
}

func (f *fakeLibrary) Graph(ctx context.Context, bookID int) (*models.RelationshipGraph, error) {
	if f.graphErr != nil {
		return nil, f.graphErr
	}
	return &models.RelationshipGraph{Nodes: []models.GraphNode{{ID: "1", Label: "Mara"}}}, nil
}

func (f *fakeLibrary) LastChapter(ctx context.Context, bookID int) (*models.ChapterContent, error) {
	if f.last == 0 {
		return nil, apperrors.NewNotFoundError("no reading position", nil)
	}
	return &models.ChapterContent{BookID: bookID, ChapterNumber: f.last}, nil
}

func (f *fakeLibrary) Upload(ctx context.Context, filename string, content io.Reader) (*models.UploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	return &models.UploadResult{BookID: 8, Message: "ok"}, nil
}

type testServer struct {
	lib      *fakeLibrary
	sessions *reader.Manager
	ws       *WebSocketManager
	cache    *storage.ChapterCache
	router   *gin.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	collector := utils.NewMetricsCollector()
	metrics := utils.NewReaderMetricsWith(collector)
	lib := &fakeLibrary{}
	sessions := reader.NewManager(reader.Deps{
		Library:   lib,
		Publisher: notify.NewRecorder(),
		Annotator: markup.NewAnnotator(markup.DefaultPrefix, markup.DefaultWordsPerMinute),
		Metrics:   metrics,
		MusicBase: "/music",
	}, time.Minute)
	ws := NewWebSocketManager(time.Minute, collector)

	handler := NewHandler(sessions, lib, upload.NewService(lib, 1<<20), ws, metrics)
	handler.ChapterCache = storage.NewChapterCache(10, time.Minute)
	srv := &testServer{
		lib:      lib,
		sessions: sessions,
		ws:       ws,
		cache:    handler.ChapterCache,
		router:   NewRouter(handler, RouterOptions{RateLimiter: NewRateLimiter(), Metrics: metrics}),
	}
	t.Cleanup(func() {
		ws.Stop()
		sessions.Stop(context.Background())
	})
	return srv
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, payload)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(readerIDHeader, "reader-1")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data"`
	Error   *APIError              `json:"error"`
	Message string                 `json:"message"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env
}

func (s *testServer) openSession(t *testing.T, chapter int) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/sessions", gin.H{"book_id": 7, "chapter": chapter})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	env := decode(t, w)
	sessionID, _ := env.Data["session_id"].(string)
	require.NotEmpty(t, sessionID)
	return sessionID
}

func TestCreateSessionOpensChapter(t *testing.T) {
	srv := newTestServer(t)
	sessionID := srv.openSession(t, 2)

	w := srv.do(t, http.MethodGet, "/api/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	env := decode(t, w)
	assert.True(t, env.Success)
	assert.Equal(t, "ready", env.Data["state"])
	assert.EqualValues(t, 2, env.Data["chapter"])
	assert.Equal(t, "Tides", env.Data["title"])
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
}

func TestCreateSessionResumesLastChapter(t *testing.T) {
	srv := newTestServer(t)
	srv.lib.last = 3

	w := srv.do(t, http.MethodPost, "/api/sessions", gin.H{"book_id": 7})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.EqualValues(t, 3, decode(t, w).Data["chapter"])
}

func TestCreateSessionWithoutPositionStartsAtFirstChapter(t *testing.T) {
	srv := newTestServer(t)

	w := srv.do(t, http.MethodPost, "/api/sessions", gin.H{"book_id": 7})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.EqualValues(t, 1, decode(t, w).Data["chapter"])
}

func TestCreateSessionRejectsMissingBook(t *testing.T) {
	srv := newTestServer(t)

	w := srv.do(t, http.MethodPost, "/api/sessions", gin.H{"chapter": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrorBadRequest, decode(t, w).Error.Code)
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	srv := newTestServer(t)

	w := srv.do(t, http.MethodGet, "/api/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, ErrorSessionNotFound, decode(t, w).Error.Code)
}

func TestNavigatePastLastChapterShowsNotFound(t *testing.T) {
	srv := newTestServer(t)
	sessionID := srv.openSession(t, 3)

	w := srv.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/next", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "not_found", decode(t, w).Data["state"])
}

func TestRequestSceneIgnoresRepeatWhileLoading(t *testing.T) {
	srv := newTestServer(t)
	gate := make(chan struct{})
	srv.lib.sceneGate = gate
	defer close(gate)

	sessionID := srv.openSession(t, 1)
	path := "/api/sessions/" + sessionID + "/regions/1/scene"

	first := srv.do(t, http.MethodPost, path, nil)
	require.Equal(t, http.StatusAccepted, first.Code, first.Body.String())
	assert.Equal(t, true, decode(t, first).Data["accepted"])

	second := srv.do(t, http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, false, decode(t, second).Data["accepted"])
}

func TestRegionErrors(t *testing.T) {
	srv := newTestServer(t)
	sessionID := srv.openSession(t, 1)

	t.Run("invalid index", func(t *testing.T) {
		w := srv.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/regions/abc/scene", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, ErrorRegionInvalid, decode(t, w).Error.Code)
	})

	t.Run("unknown region", func(t *testing.T) {
		w := srv.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/regions/9/copy", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, ErrorRegionNotFound, decode(t, w).Error.Code)
	})
}

func TestCopyRegionReturnsText(t *testing.T) {
	srv := newTestServer(t)
	sessionID := srv.openSession(t, 1)

	w := srv.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/regions/1/copy", nil)
	require.Equal(t, http.StatusOK, w.Code)
	env := decode(t, w)
	assert.Contains(t, env.Data["text"], "storm broke")
	assert.Equal(t, notify.TextCopied, env.Message)
}

func TestSendChat(t *testing.T) {
	srv := newTestServer(t)
	sessionID := srv.openSession(t, 1)
	path := "/api/sessions/" + sessionID + "/chat"

	w := srv.do(t, http.MethodPost, path, gin.H{"message": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrorChatInvalid, decode(t, w).Error.Code)

	w = srv.do(t, http.MethodPost, path, gin.H{"message": "What is this about?"})
	require.Equal(t, http.StatusOK, w.Code)

	w = srv.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	messages, _ := decode(t, w).Data["messages"].([]interface{})
	assert.Len(t, messages, 2)
}

func TestCloseSession(t *testing.T) {
	srv := newTestServer(t)
	sessionID := srv.openSession(t, 1)

	w := srv.do(t, http.MethodDelete, "/api/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, srv.sessions.Count())

	w = srv.do(t, http.MethodDelete, "/api/sessions/"+sessionID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGraphFailureReturnsEmptyGraph(t *testing.T) {
	srv := newTestServer(t)
	srv.lib.graphErr = apperrors.NewTransientError("library offline", nil)

	w := srv.do(t, http.MethodGet, "/api/books/7/graph", nil)
	require.Equal(t, http.StatusOK, w.Code)
	env := decode(t, w)
	assert.Empty(t, env.Data["nodes"])
	assert.Empty(t, env.Data["edges"])
}

func TestUploadBook(t *testing.T) {
	srv := newTestServer(t)

	t.Run("missing file", func(t *testing.T) {
		w := srv.do(t, http.MethodPost, "/api/upload", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		env := decode(t, w)
		assert.Equal(t, ErrorFileMissing, env.Error.Code)
		assert.Equal(t, notify.UploadFailed, env.Error.Message)
	})

	t.Run("unsupported extension", func(t *testing.T) {
		w := srv.upload(t, "notes.txt", []byte("plain text"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, ErrorFileInvalid, decode(t, w).Error.Code)
	})

	t.Run("pdf accepted", func(t *testing.T) {
		w := srv.upload(t, "tides.pdf", []byte("%PDF-1.4\n%test document\n"))
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		env := decode(t, w)
		assert.Equal(t, notify.UploadSucceeded, env.Message)
		assert.EqualValues(t, 8, env.Data["book_id"])
	})

	assert.Equal(t, 1, srv.lib.uploads)
}

func (s *testServer) upload(t *testing.T, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, form.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	req.Header.Set("Content-Type", form.FormDataContentType())
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestReadPageRendersRegions(t *testing.T) {
	srv := newTestServer(t)
	sessionID := srv.openSession(t, 1)

	w := srv.do(t, http.MethodGet, "/read/"+sessionID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := w.Body.String()
	assert.Contains(t, page, "The storm broke over the harbour.")
	assert.Contains(t, page, `data-event="1"`)
	assert.NotContains(t, page, `id="ev1"`)

	w = srv.do(t, http.MethodGet, "/read/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReadPageMatchesSessionView(t *testing.T) {
	srv := newTestServer(t)
	sessionID := srv.openSession(t, 1)
	session, err := srv.sessions.Get(sessionID)
	require.NoError(t, err)

	view, plan := session.Snapshot()
	require.NotNil(t, plan)
	require.Len(t, view.Regions, len(plan.Regions()))

	w := srv.do(t, http.MethodGet, "/read/"+sessionID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, len(plan.Regions()), strings.Count(w.Body.String(), `<section class="event-region`))
}

func TestMetricsReportChapterCache(t *testing.T) {
	srv := newTestServer(t)
	srv.cache.Put(models.ChapterKey{BookID: 7, Chapter: 1}, &models.ChapterContent{BookID: 7, ChapterNumber: 1})
	srv.openSession(t, 1)

	w := srv.do(t, http.MethodGet, "/api/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	env := decode(t, w)
	assert.EqualValues(t, 1, env.Data["chapter_cache_entries"])
	assert.EqualValues(t, 1, env.Data["active_sessions"])
}

func TestReaderIdentityAssignsCookie(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Header().Get("Set-Cookie"), readerCookie+"="))
}

func TestRateLimiter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := NewRateLimiter()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	r := gin.New()
	r.GET("/limited", limiter.Middleware(2, time.Minute, func(*gin.Context) string { return "k" }), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	hit := func() int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/limited", nil))
		return w.Code
	}

	assert.Equal(t, http.StatusOK, hit())
	assert.Equal(t, http.StatusOK, hit())
	assert.Equal(t, http.StatusTooManyRequests, hit())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, http.StatusOK, hit())

	now = now.Add(2 * time.Minute)
	limiter.cleanup()
	assert.Empty(t, limiter.visitors)
}

type fakeConn struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeConn) WriteMessage(int, []byte) error { return nil }
func (f *fakeConn) ReadMessage() (int, []byte, error) { return 0, nil, io.EOF }
func (f *fakeConn) SetReadDeadline(time.Time) error { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeConn) SetPongHandler(func(string) error) {}
func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestWebSocketManagerDeliversToSession(t *testing.T) {
	collector := utils.NewMetricsCollector()
	manager := NewWebSocketManager(time.Minute, collector)
	manager.Start()
	defer manager.Stop()

	conn := &fakeConn{}
	client := NewWebSocketClient(conn, "s1", "reader-1")
	other := NewWebSocketClient(&fakeConn{}, "s2", "reader-2")
	manager.Register(client)
	manager.Register(other)

	manager.Deliver(notify.Message{SessionID: "s1", Type: notify.MessageNotification})

	select {
	case data := <-client.send:
		var msg notify.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, notify.MessageNotification, msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
	assert.Empty(t, other.send)

	manager.CloseSession("s1")
	assert.True(t, conn.isClosed())
	assert.True(t, client.IsClosed())
	assert.Equal(t, 1, manager.GetStatus()["total_connections"])
	assert.Equal(t, 0, manager.BroadcastToSession("s1", gin.H{"type": "ping"}))
}

func TestWebSocketManagerCleansExpiredClients(t *testing.T) {
	manager := NewWebSocketManager(time.Minute, utils.NewMetricsCollector())
	defer manager.Stop()

	client := NewWebSocketClient(&fakeConn{}, "s1", "reader-1")
	manager.Register(client)
	client.Close()

	assert.Equal(t, 1, manager.cleanupExpiredConnections())
	assert.Equal(t, 0, manager.GetStatus()["total_connections"])
}
