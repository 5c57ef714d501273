package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uplinkd/uplink/pkg/middleware"
	"github.com/uplinkd/uplink/pkg/session"
	"github.com/uplinkd/uplink/pkg/storage"
	"github.com/uplinkd/uplink/pkg/types"
)

const testAPIKey = "test-api-key"

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	backend, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	store := session.NewMemoryStore()
	registry := session.NewRegistry(store, store.Files(), backend)

	router := gin.New()
	NewAPI(registry, testAPIKey, nil).RegisterRoutes(router)
	return router
}

func chunkRequest(t *testing.T, uploadID string, index, total int, fileSize int64, payload []byte) *http.Request {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("chunk", "blob")
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)

	fields := map[string]string{
		"fileName":    "demo.txt",
		"fileId":      uploadID,
		"chunkIndex":  fmt.Sprintf("%d", index),
		"totalChunks": fmt.Sprintf("%d", total),
		"fileSize":    fmt.Sprintf("%d", fileSize),
		"workspaceId": "ws-1",
	}
	for k, v := range fields {
		require.NoError(t, writer.WriteField(k, v))
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload?action=chunk", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-API-Key", testAPIKey)
	req.Header.Set("X-User-ID", "alice")
	return req
}

func jsonRequest(t *testing.T, action, uploadID, user string) *http.Request {
	t.Helper()
	body := fmt.Sprintf(`{"uploadId":%q}`, uploadID)
	req := httptest.NewRequest(http.MethodPost, "/api/upload?action="+action, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", testAPIKey)
	req.Header.Set("X-User-ID", user)
	return req
}

func TestAuthRequired(t *testing.T) {
	router := newTestRouter(t)

	// Wrong API key.
	req := jsonRequest(t, "status", "u1", "alice")
	req.Header.Set("X-API-Key", "wrong")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Missing caller identity.
	req = jsonRequest(t, "status", "u1", "alice")
	req.Header.Del("X-User-ID")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUnknownAction(t *testing.T) {
	router := newTestRouter(t)

	req := jsonRequest(t, "bogus", "u1", "alice")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChunkStatusCompleteFlow(t *testing.T) {
	router := newTestRouter(t)

	chunks := [][]byte{[]byte("aaa"), []byte("bbb"), []byte("ccc")}
	for i, payload := range chunks {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, chunkRequest(t, "f1", i, 3, 9, payload))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp types.ChunkResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "f1", resp.UploadID)
		assert.Equal(t, i, resp.ChunkIndex)
		assert.Equal(t, i+1, resp.Received)
		assert.Equal(t, 3, resp.Total)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, jsonRequest(t, "status", "f1", "alice"))
	require.Equal(t, http.StatusOK, w.Code)
	var status types.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Empty(t, status.MissingChunks)
	assert.Equal(t, "demo.txt", status.FileName)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, jsonRequest(t, "complete", "f1", "alice"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var record types.CompleteResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &record))
	assert.Equal(t, int64(9), record.Size)
	assert.Equal(t, "demo.txt", record.Name)
	assert.NotEmpty(t, record.ID)
}

func TestCompleteIncompleteUpload(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, chunkRequest(t, "f1", 0, 3, 9, []byte("aaa")))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, jsonRequest(t, "complete", "f1", "alice"))
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp types.IncompleteResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Upload incomplete", resp.Error)
	assert.Equal(t, []int{1, 2}, resp.MissingChunks)
	assert.Equal(t, 1, resp.Received)
	assert.Equal(t, 3, resp.Total)
}

func TestStatusUnknownSession(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, jsonRequest(t, "status", "missing", "alice"))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOwnerMismatchForbidden(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, chunkRequest(t, "f1", 0, 3, 9, []byte("aaa")))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, jsonRequest(t, "status", "f1", "bob"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, jsonRequest(t, "complete", "f1", "bob"))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestChunkValidation(t *testing.T) {
	router := newTestRouter(t)

	// Non-numeric chunkIndex.
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, _ := writer.CreateFormFile("chunk", "blob")
	part.Write([]byte("aaa"))
	writer.WriteField("chunkIndex", "one")
	writer.WriteField("totalChunks", "3")
	writer.WriteField("fileSize", "9")
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/upload?action=chunk", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-API-Key", testAPIKey)
	req.Header.Set("X-User-ID", "alice")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthAndStats(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set("X-API-Key", testAPIKey)
	req.Header.Set("X-User-ID", "alice")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "chunks_received")
}

func TestRateLimitedRequestsGet429(t *testing.T) {
	gin.SetMode(gin.TestMode)

	backend, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	store := session.NewMemoryStore()
	registry := session.NewRegistry(store, store.Files(), backend)

	limiter := middleware.NewLimiter(middleware.Every(time.Hour), 2)
	router := gin.New()
	NewAPI(registry, testAPIKey, limiter).RegisterRoutes(router)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, jsonRequest(t, "status", "u1", "alice"))
		assert.Equal(t, http.StatusNotFound, w.Code)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, jsonRequest(t, "status", "u1", "alice"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))

	// Health stays outside the limited group.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServerGracefulShutdown(t *testing.T) {
	router := newTestRouter(t)
	srv := newServer("0", router)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Shutdown must end Serve cleanly so deferred teardown in main
	// gets to run.
	require.NoError(t, srv.Shutdown(context.Background()))
	assert.ErrorIs(t, <-served, http.ErrServerClosed)
}
