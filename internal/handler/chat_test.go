package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"lumina-backend/internal/config"
	"lumina-backend/internal/model"
	"lumina-backend/internal/quota"
	"lumina-backend/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) (*ChatHandler, *service.ChatService) {
	t.Helper()

	cfg := &config.Config{}
	cfg.Storage.Type = "memory"
	cfg.Quota.DailyImageLimit = 3

	store, err := quota.OpenSQLiteStore(filepath.Join(t.TempDir(), "quota.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc := service.NewChatService(cfg, nil, quota.NewTracker(store, 3))
	require.NoError(t, svc.LoadAll())
	t.Cleanup(func() { svc.Close() })

	return NewChatHandler(svc, cfg), svc
}

func postStream(t *testing.T, h *ChatHandler, req model.ChatRequest) *httptest.ResponseRecorder {
	t.Helper()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/api/chat/stream", h.StreamChat)

	body, err := json.Marshal(req)
	require.NoError(t, err)

	httpReq := httptest.NewRequest(http.MethodPost, "/api/chat/stream", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httpReq)
	return w
}

func TestStreamChatDeliversInlineErrorBeforeTerminalEvent(t *testing.T) {
	h, svc := newTestHandler(t)

	// 无凭证路径：占位消息的行内error事件在终止error事件之前送达
	w := postStream(t, h, model.ChatRequest{
		Message:   "hello",
		SessionID: svc.ActiveSessionID(),
	})

	got := w.Body.String()
	inline := strings.Index(got, `"phase":"error"`)
	terminal := strings.Index(got, "event: error")
	require.GreaterOrEqual(t, inline, 0, "inline error event missing: %s", got)
	require.GreaterOrEqual(t, terminal, 0, "terminal error event missing: %s", got)
	assert.Less(t, inline, terminal)

	assert.Contains(t, got, `"error_kind":"missing_credential"`)
	assert.Contains(t, got, "[DONE]")
}

func TestStreamChatRejectsMissingSessionID(t *testing.T) {
	h, _ := newTestHandler(t)

	w := postStream(t, h, model.ChatRequest{Message: "hello"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
