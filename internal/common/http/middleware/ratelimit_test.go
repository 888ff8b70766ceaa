package middleware_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"boundary/internal/common/cache"
	"boundary/internal/common/http/middleware"
	pkgerrors "boundary/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
)

func newTestCache(t *testing.T) (*miniredis.Miniredis, *cache.RedisCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	redisCache, err := cache.NewRedisCache(mr.Addr())
	if err != nil {
		t.Fatalf("init redis cache failed: %v", err)
	}
	t.Cleanup(func() { _ = redisCache.Close() })
	return mr, redisCache
}

func TestRateLimiterAllow(t *testing.T) {
	mr, redisCache := newTestCache(t)
	limiter := middleware.NewRateLimiter(redisCache, time.Minute, time.Second)
	key := "verify:rate:route:test"

	for i := 0; i < 2; i++ {
		if err := limiter.Allow(context.Background(), key, 2, time.Minute); err != nil {
			t.Fatalf("unexpected error on attempt %d: %v", i+1, err)
		}
	}

	err := limiter.Allow(context.Background(), key, 2, time.Minute)
	if err == nil || pkgerrors.GetCode(err) != pkgerrors.TooManyRequests {
		t.Fatalf("expected rate limit error, got %v", err)
	}

	mr.FastForward(2 * time.Minute)
	if err := limiter.Allow(context.Background(), key, 2, time.Minute); err != nil {
		t.Fatalf("expected fresh window after expiry, got %v", err)
	}
}

func TestRateLimiterNoCache(t *testing.T) {
	limiter := middleware.NewRateLimiter(nil, time.Minute, time.Second)

	err := limiter.Allow(context.Background(), "verify:rate:route:test", 1, time.Minute)
	if err == nil || pkgerrors.GetCode(err) != pkgerrors.ServiceUnavailable {
		t.Fatalf("expected service unavailable, got %v", err)
	}
}

func TestRateLimiterZeroMax(t *testing.T) {
	_, redisCache := newTestCache(t)
	limiter := middleware.NewRateLimiter(redisCache, time.Minute, time.Second)

	for i := 0; i < 5; i++ {
		if err := limiter.Allow(context.Background(), "verify:rate:route:open", 0, time.Minute); err != nil {
			t.Fatalf("unexpected error with zero max: %v", err)
		}
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	_, redisCache := newTestCache(t)
	limiter := middleware.NewRateLimiter(redisCache, time.Second, time.Second)

	router := gin.New()
	router.Use(middleware.RateLimitMiddleware(limiter, "route-a", middleware.RateLimitPolicy{
		RouteMax: 2,
	}, time.Second))
	router.GET("/limited", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for i := 0; i < 2; i++ {
		rec, _, err := performRequest(router, http.MethodGet, "/limited", nil)
		if err != nil {
			t.Fatalf("decode response failed: %v", err)
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status on attempt %d: %d", i+1, rec.Code)
		}
	}

	rec, resp, err := performRequest(router, http.MethodGet, "/limited", nil)
	if err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if resp.Code != int(pkgerrors.TooManyRequests) {
		t.Fatalf("unexpected error code: %d", resp.Code)
	}
}

func TestRateLimitMiddlewareUserDimension(t *testing.T) {
	gin.SetMode(gin.TestMode)
	_, redisCache := newTestCache(t)
	limiter := middleware.NewRateLimiter(redisCache, time.Second, time.Second)

	subject := "alice"
	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set("username", subject)
		c.Next()
	})
	router.Use(middleware.RateLimitMiddleware(limiter, "route-b", middleware.RateLimitPolicy{
		UserMax: 1,
	}, time.Second))
	router.GET("/limited", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	rec, _, err := performRequest(router, http.MethodGet, "/limited", nil)
	if err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}

	rec, resp, err := performRequest(router, http.MethodGet, "/limited", nil)
	if err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if resp.Code != int(pkgerrors.TooManyRequests) {
		t.Fatalf("unexpected error code: %d", resp.Code)
	}

	subject = "bob"
	rec, _, err = performRequest(router, http.MethodGet, "/limited", nil)
	if err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected separate window per subject, got %d", rec.Code)
	}
}

func TestRateLimitMiddlewareNilLimiter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.RateLimitMiddleware(nil, "route-a", middleware.RateLimitPolicy{RouteMax: 1}, time.Second))
	router.GET("/open", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for i := 0; i < 3; i++ {
		rec, _, err := performRequest(router, http.MethodGet, "/open", nil)
		if err != nil {
			t.Fatalf("decode response failed: %v", err)
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status: %d", rec.Code)
		}
	}
}
