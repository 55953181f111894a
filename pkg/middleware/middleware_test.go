package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-queue/internal/auth"
)

func newAuthService(t *testing.T) (*auth.Service, string, string) {
	t.Helper()
	s := auth.NewService("test-secret", time.Hour)
	s.RegisterAPICredentials("trader", "t")
	s.RegisterAPICredentials("ops", "o", auth.PermissionOperator)

	trader, err := s.GenerateToken(auth.Credentials{APIKey: "trader", APISecret: "t"})
	if err != nil {
		t.Fatalf("GenerateToken() returned error: %v", err)
	}
	ops, err := s.GenerateToken(auth.Credentials{APIKey: "ops", APISecret: "o"})
	if err != nil {
		t.Fatalf("GenerateToken() returned error: %v", err)
	}
	return s, trader.Token, ops.Token
}

func TestJWTAndInternalAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s, traderToken, opsToken := newAuthService(t)

	r := gin.New()
	whoami := func(c *gin.Context) {
		userID, _ := auth.ResolveCurrentUser(c)
		c.String(http.StatusOK, userID)
	}
	r.GET("/api/v1/portfolio", JWTAuth(s), whoami)
	r.GET("/api/v1/internal/scheduler/status", InternalAuth(s), whoami)

	tests := []struct {
		name   string
		path   string
		header string
		want   int
		user   string
	}{
		{"trader reads portfolio", "/api/v1/portfolio", "Bearer " + traderToken, http.StatusOK, "trader"},
		{"missing header", "/api/v1/portfolio", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "/api/v1/portfolio", "Basic " + traderToken, http.StatusUnauthorized, ""},
		{"garbage token", "/api/v1/portfolio", "Bearer abc.def.ghi", http.StatusUnauthorized, ""},
		{"trader denied internal", "/api/v1/internal/scheduler/status", "Bearer " + traderToken, http.StatusForbidden, ""},
		{"operator allowed internal", "/api/v1/internal/scheduler/status", "Bearer " + opsToken, http.StatusOK, "ops"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			r.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.user != "" && w.Body.String() != tt.user {
				t.Errorf("user = %q, want %q", w.Body.String(), tt.user)
			}
		})
	}
}

func resetVisitors(t *testing.T) {
	t.Helper()
	reset := func() {
		mu.Lock()
		visitors = make(map[string]*visitor)
		mu.Unlock()
	}
	reset()
	t.Cleanup(reset)
}

func TestRateLimitRejectsBurst(t *testing.T) {
	gin.SetMode(gin.TestMode)
	resetVisitors(t)

	r := gin.New()
	r.Use(RateLimit())
	r.POST("/api/v1/auth/token", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func() int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", nil)
		req.RemoteAddr = "203.0.113.7:4000"
		r.ServeHTTP(w, req)
		return w.Code
	}

	if code := send(); code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", code)
	}
	if code := send(); code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", code)
	}
}

func TestRateLimitKeyedByUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	resetVisitors(t)
	s, traderToken, opsToken := newAuthService(t)

	r := gin.New()
	user := r.Group("/api/v1")
	user.Use(JWTAuth(s), RateLimit())
	user.POST("/orders", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(token string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", nil)
		req.RemoteAddr = "203.0.113.7:4000"
		req.Header.Set("Authorization", "Bearer "+token)
		r.ServeHTTP(w, req)
		return w.Code
	}

	if code := send(traderToken); code != http.StatusOK {
		t.Fatalf("first trader request status = %d, want 200", code)
	}
	if code := send(traderToken); code != http.StatusTooManyRequests {
		t.Errorf("second trader request status = %d, want 429", code)
	}
	// same address, different user: its own bucket
	if code := send(opsToken); code != http.StatusOK {
		t.Errorf("other user status = %d, want 200", code)
	}
}

func TestLimitFor(t *testing.T) {
	if limitFor(http.MethodGet, "/api/v1/internal/scheduler/status") != internalLimit {
		t.Error("internal routes should not be throttled")
	}
	if limitFor(http.MethodPost, "/api/v1/orders") != orderLimit {
		t.Error("order placement should use the order limit")
	}
	if limitFor(http.MethodGet, "/api/v1/orders") != readLimit {
		t.Error("order reads should use the read limit")
	}
}
