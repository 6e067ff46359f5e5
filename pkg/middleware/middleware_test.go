package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/code-100-precent/LingDispatch/pkg/constants"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestLoggerMiddleware_SetsRequestID(t *testing.T) {
	r := gin.New()
	r.Use(LoggerMiddleware(zap.NewNop()))
	r.POST("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NotEmpty(t, w.Header().Get(constants.HeaderRequestID))

	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set(constants.HeaderRequestID, "abc")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "abc", w.Header().Get(constants.HeaderRequestID))
}

func TestClientInfo(t *testing.T) {
	const ua = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	ci := ParseClientInfo("10.0.0.1", ua)
	assert.Equal(t, "10.0.0.1", ci.IP)
	assert.Contains(t, ci.Browser, "Chrome")
	assert.False(t, ci.Mobile)

	r := gin.New()
	r.Use(ClientInfoMiddleware())
	var got ClientInfo
	r.GET("/ws", func(c *gin.Context) {
		got = GetClientInfo(c)
		c.Status(http.StatusOK)
	})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("User-Agent", ua)
	r.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, ua, got.UserAgent)
	assert.NotEmpty(t, got.OS)
}

func TestRateLimitMiddleware(t *testing.T) {
	_, err := RateLimitMiddleware("lots")
	assert.Error(t, err)

	mw, err := RateLimitMiddleware("2-M")
	require.NoError(t, err)
	r := gin.New()
	r.Use(mw)
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	open, err := RateLimitMiddleware("")
	require.NoError(t, err)
	assert.NotNil(t, open)
}
