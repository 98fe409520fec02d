package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/hookrelay/hookrelay/internal/service"
)

func newRateLimitedRouter(t *testing.T, rate, capacity int) (*gin.Engine, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter := service.NewRateLimitService(client, rate, capacity)
	r := gin.New()
	r.POST("/receive", RateLimit(limiter, "rate_limit:test"), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r, mr
}

func postReceive(r *gin.Engine) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/receive", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimit_AllowsBurstThenThrottles(t *testing.T) {
	// Rate 1/s keeps the bucket effectively unrefilled for the duration of
	// the burst below.
	r, _ := newRateLimitedRouter(t, 1, 3)

	for i := 0; i < 3; i++ {
		w := postReceive(r)
		require.Equal(t, http.StatusOK, w.Code, "request %d should pass", i+1)
	}

	w := postReceive(r)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
	body := w.Body.String()
	assert.Equal(t, "Too many requests! Please try again after some time.", gjson.Get(body, "message").String())
	assert.Equal(t, "rate-limited", gjson.Get(body, "errors").String())
}

func TestRateLimit_BrokerDownFailsClosed(t *testing.T) {
	r, mr := newRateLimitedRouter(t, 1, 3)
	mr.Close()

	w := postReceive(r)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t,
		"Rate limiting service unavailable due to connection error",
		gjson.Get(w.Body.String(), "message").String())
}
