package serv

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbloq/tagserv/core"
)

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	t.Setenv("MANIFEST_PATH", "/nonexistent/manifest.json")

	conf, err := NewConfig()
	require.NoError(t, err)
	s := NewService(conf)
	return s.routesHandler(chi.NewRouter())
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestStartSession(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/session/start", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "session_id")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/session/start", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestChatValidation(t *testing.T) {
	h := newTestHandler(t)

	t.Run("missing message", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/chat",
			strings.NewReader(`{"session_id": "s1"}`))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/chat",
			strings.NewReader("not json"))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("wrong method", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/chat", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestChatStreamsNDJSON(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat",
		strings.NewReader(`{"session_id": "s1", "message": "hello there"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"type":"token"`)
	assert.Contains(t, lines[1], `"type":"result"`)
	assert.Contains(t, lines[1], `"provider_used":"tag_backend"`)
}

func TestChatBadUserContextHeaderIsIgnored(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat",
		strings.NewReader(`{"session_id": "s1", "message": "hello there"}`))
	req.Header.Set("x-user-context", "%%% not base64 %%%")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestApplyUserContext(t *testing.T) {
	t.Run("body fields reach metadata", func(t *testing.T) {
		req := &core.ChatRequest{Metadata: map[string]any{}, UserID: float64(42), UserRole: "admin"}
		applyUserContext("", req)
		assert.Equal(t, float64(42), req.Metadata["user_id"])
		assert.Equal(t, "admin", req.Metadata["user_role"])
	})

	t.Run("header populates missing fields", func(t *testing.T) {
		header := base64.StdEncoding.EncodeToString([]byte(`{"user_id": 7, "user_role": "viewer"}`))
		req := &core.ChatRequest{Metadata: map[string]any{}}
		applyUserContext(header, req)
		assert.Equal(t, float64(7), req.UserID)
		assert.Equal(t, "viewer", req.UserRole)
	})

	t.Run("body wins over header", func(t *testing.T) {
		header := base64.StdEncoding.EncodeToString([]byte(`{"user_id": 7}`))
		req := &core.ChatRequest{Metadata: map[string]any{}, UserID: float64(42)}
		applyUserContext(header, req)
		assert.Equal(t, float64(42), req.Metadata["user_id"])
		assert.Equal(t, float64(42), req.UserID)
	})
}

func TestMergeUserContext(t *testing.T) {
	t.Run("decodes and merges", func(t *testing.T) {
		header := base64.StdEncoding.EncodeToString([]byte(`{"company_id": "7", "user_id": 42}`))
		meta := map[string]any{}
		mergeUserContext(header, meta)
		assert.Equal(t, "7", meta["company_id"])
		assert.Equal(t, float64(42), meta["user_id"])
	})

	t.Run("body metadata wins", func(t *testing.T) {
		header := base64.StdEncoding.EncodeToString([]byte(`{"company_id": "7"}`))
		meta := map[string]any{"company_id": "9"}
		mergeUserContext(header, meta)
		assert.Equal(t, "9", meta["company_id"])
	})

	t.Run("invalid base64 is a no-op", func(t *testing.T) {
		meta := map[string]any{}
		mergeUserContext("!!!", meta)
		assert.Empty(t, meta)
	})

	t.Run("non object json is a no-op", func(t *testing.T) {
		header := base64.StdEncoding.EncodeToString([]byte(`[1,2,3]`))
		meta := map[string]any{}
		mergeUserContext(header, meta)
		assert.Empty(t, meta)
	})
}
