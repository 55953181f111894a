package middleware

import (
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/ksred/klear-queue/internal/auth"
	"github.com/ksred/klear-queue/pkg/response"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var (
	visitors = make(map[string]*visitor)
	mu       sync.Mutex
	once     sync.Once

	// Configure limits per endpoint type
	authLimit     = rate.Limit(10.0 / 60.0)   // 10 requests per minute
	orderLimit    = rate.Limit(100.0 / 60.0)  // 100 requests per minute
	readLimit     = rate.Limit(1000.0 / 60.0) // 1000 requests per minute
	internalLimit = rate.Inf
)

func limitFor(method, path string) rate.Limit {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return authLimit
	case strings.HasPrefix(path, "/api/v1/internal"):
		return internalLimit
	case strings.HasPrefix(path, "/api/v1/orders") && method == "POST":
		return orderLimit
	case strings.HasPrefix(path, "/api/v1"):
		return readLimit
	default:
		return rate.Inf
	}
}

func getLimiter(method, path, client string) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key := client + ":" + method + ":" + path
	v, exists := visitors[key]
	if !exists {
		v = &visitor{
			limiter: rate.NewLimiter(limitFor(method, path), 1), // burst of 1
		}
		visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func cleanupVisitors() {
	for {
		time.Sleep(time.Minute)

		mu.Lock()
		for key, v := range visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(visitors, key)
			}
		}
		mu.Unlock()
	}
}

// RateLimit throttles requests per client and route. Mounted after JWTAuth
// it keys by user, otherwise by client IP.
func RateLimit() gin.HandlerFunc {
	once.Do(func() { go cleanupVisitors() })

	return func(c *gin.Context) {
		client := c.GetString(auth.ContextUserKey)
		if client == "" {
			client = c.ClientIP()
		}

		limiter := getLimiter(c.Request.Method, c.FullPath(), client)
		if !limiter.Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth validates the bearer token and attaches the user id and claims
func JWTAuth(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := validateAndExtractClaims(c, authService)
		if !ok {
			return
		}

		c.Set(auth.ContextClaimsKey, claims)
		c.Set(auth.ContextUserKey, claims.ClientID)
		c.Next()
	}
}

// InternalAuth guards operator routes: the token must carry operator permission
func InternalAuth(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := validateAndExtractClaims(c, authService)
		if !ok {
			return
		}

		if !claims.HasPermission(auth.PermissionOperator) {
			response.Forbidden(c, "Operator permission required")
			c.Abort()
			return
		}

		c.Set(auth.ContextClaimsKey, claims)
		c.Set(auth.ContextUserKey, claims.ClientID)
		c.Next()
	}
}

func validateAndExtractClaims(c *gin.Context, authService *auth.Service) (*auth.Claims, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		response.Unauthorized(c, "Authorization header required")
		c.Abort()
		return nil, false
	}

	bearerToken := strings.Split(authHeader, " ")
	if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
		response.Unauthorized(c, "Invalid authorization header format")
		c.Abort()
		return nil, false
	}

	claims, err := authService.ValidateToken(bearerToken[1])
	if err != nil {
		response.Unauthorized(c, "Invalid token")
		c.Abort()
		return nil, false
	}

	return claims, true
}
