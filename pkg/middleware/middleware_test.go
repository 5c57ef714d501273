package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

func newAuthRouter(apiKey string) *gin.Engine {
	router := gin.New()
	router.Use(APIKeyAuth(apiKey))
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"owner": c.GetString(OwnerKey)})
	})
	return router
}

func doGet(router *gin.Engine, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAPIKeyAuth(t *testing.T) {
	router := newAuthRouter("secret")

	w := doGet(router, map[string]string{"X-API-Key": "secret", "X-User-ID": "alice"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alice")

	w = doGet(router, map[string]string{"X-API-Key": "wrong", "X-User-ID": "alice"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doGet(router, map[string]string{"X-API-Key": "secret"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPIKeyAuthDisabledKeyStillRequiresIdentity(t *testing.T) {
	router := newAuthRouter("")

	w := doGet(router, map[string]string{"X-User-ID": "alice"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doGet(router, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRateLimitPerCaller(t *testing.T) {
	limiter := NewLimiter(Every(time.Hour), 2)
	router := gin.New()
	router.Use(RateLimit(limiter))
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("X-User-ID", user)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send("alice"))
	assert.Equal(t, http.StatusOK, send("alice"))
	over := send("alice")
	assert.Equal(t, http.StatusTooManyRequests, over)

	// A different caller has an untouched bucket.
	assert.Equal(t, http.StatusOK, send("bob"))
}

func TestRateLimitSetsRetryAfter(t *testing.T) {
	limiter := NewLimiter(Every(time.Hour), 1)
	router := gin.New()
	router.Use(RateLimit(limiter))
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-User-ID", "alice")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
}

func TestLimiterRefills(t *testing.T) {
	limiter := NewLimiter(Every(10*time.Millisecond), 1)

	require.True(t, limiter.Allow("alice"))
	require.False(t, limiter.Allow("alice"))

	time.Sleep(25 * time.Millisecond)
	assert.True(t, limiter.Allow("alice"))
}

func TestLimiterSetRateAppliesToExistingBuckets(t *testing.T) {
	limiter := NewLimiter(Every(time.Hour), 1)

	require.True(t, limiter.Allow("alice"))
	require.False(t, limiter.Allow("alice"))

	// A reload to a fast refill must reach the already-created bucket.
	limiter.SetRate(Every(5*time.Millisecond), 1)
	time.Sleep(15 * time.Millisecond)
	assert.True(t, limiter.Allow("alice"))

	// New callers pick up the reloaded settings too.
	assert.True(t, limiter.Allow("bob"))
}

func TestLimiterPrune(t *testing.T) {
	limiter := NewLimiter(Every(time.Second), 1)
	limiter.Allow("alice")
	limiter.Allow("bob")
	require.Len(t, limiter.buckets, 2)

	limiter.Prune(0)
	assert.Empty(t, limiter.buckets)
}

func TestRequestLoggerSetsRequestID(t *testing.T) {
	router := gin.New()
	router.Use(RequestLogger(testLogger()))
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("X-Request-ID"))
}
