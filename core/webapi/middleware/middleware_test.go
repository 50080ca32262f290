// core/webapi/middleware/middleware_test.go

package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

// TestRateLimiter 测试令牌桶限流
func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	if !rl.Allow("10.0.0.1") || !rl.Allow("10.0.0.1") {
		t.Fatal("突发额度内的请求应该放行")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("超出突发额度应该被拒绝")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("不同客户端互不影响")
	}

	now = now.Add(time.Second)
	if !rl.Allow("10.0.0.1") {
		t.Error("补充令牌后应该放行")
	}

	now = now.Add(limiterIdleTTL + time.Second)
	rl.Allow("10.0.0.3")
	if got := rl.Clients(); got != 1 {
		t.Errorf("空闲客户端应该被回收, clients = %d", got)
	}
}

// TestRateLimitMiddleware 测试限流中间件
func TestRateLimitMiddleware(t *testing.T) {
	router := gin.New()
	router.GET("/limited", RateLimitMiddleware(NewRateLimiter(0.001, 1)), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	router.GET("/open", RateLimitMiddleware(nil), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/limited", nil))
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusNoContent || codes[1] != http.StatusTooManyRequests {
		t.Errorf("codes = %v", codes)
	}

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/open", nil))
		if w.Code != http.StatusNoContent {
			t.Errorf("未启用限流时 status = %d", w.Code)
		}
	}
}

// TestTimeoutMiddleware 测试请求上下文截止时间
func TestTimeoutMiddleware(t *testing.T) {
	tests := []struct {
		path string
		want time.Duration
	}{
		{"/api/login", 10 * time.Second},
		{"/api/engine/probe", 60 * time.Second},
		{"/api/engine/start", 30 * time.Second},
		{"/api/history/switches", 15 * time.Second},
		{"/api/status", 10 * time.Second},
	}
	for _, tt := range tests {
		if got := GetTimeoutByPath(tt.path); got != tt.want {
			t.Errorf("GetTimeoutByPath(%s) = %v, want %v", tt.path, got, tt.want)
		}
	}

	router := gin.New()
	var hasDeadline bool
	var ctx context.Context
	router.GET("/api/status", TimeoutMiddleware(), func(c *gin.Context) {
		ctx = c.Request.Context()
		_, hasDeadline = ctx.Deadline()
		c.Status(http.StatusOK)
	})
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if !hasDeadline {
		t.Error("请求上下文应该带截止时间")
	}
	if ctx.Err() == nil {
		t.Error("请求结束后上下文应该被取消")
	}
}

// TestSanitizeError 测试错误脱敏
func TestSanitizeError(t *testing.T) {
	got := sanitizeError(errors.New("open /var/lib/photondns.db: password=hunter2"))
	if strings.Contains(got, "/var/lib") {
		t.Errorf("路径未隐藏: %s", got)
	}
	if strings.Contains(got, "hunter2") {
		t.Errorf("敏感信息未隐藏: %s", got)
	}
	if sanitizeError(nil) != "" {
		t.Error("nil错误应该返回空字符串")
	}
}
