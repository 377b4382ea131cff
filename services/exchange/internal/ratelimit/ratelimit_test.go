package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/auth"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/logging"
	"github.com/redis/go-redis/v9"
)

func TestMemoryWindow(t *testing.T) {
	lim := NewMemory(2, time.Second)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 2; i++ {
		allowed, retry, err := lim.Allow(ctx, "orders:1", now)
		if err != nil || !allowed || retry != 0 {
			t.Fatalf("call %d: expected allow", i+1)
		}
	}

	allowed, retry, err := lim.Allow(ctx, "orders:1", now.Add(100*time.Millisecond))
	if err != nil || allowed {
		t.Fatalf("expected third call to be limited")
	}
	if retry != 900*time.Millisecond {
		t.Fatalf("expected 900ms retry, got %s", retry)
	}

	if allowed, _, _ := lim.Allow(ctx, "orders:2", now); !allowed {
		t.Fatalf("keys must be independent")
	}
	if allowed, _, _ := lim.Allow(ctx, "orders:1", now.Add(2*time.Second)); !allowed {
		t.Fatalf("expected allow after window reset")
	}
}

func TestRedisWindow(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	lim := NewRedis(client, 2, 500*time.Millisecond, "test:")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := lim.Allow(ctx, "orders:7", time.Now())
		if err != nil || !allowed {
			t.Fatalf("call %d: expected allow, err %v", i+1, err)
		}
	}
	allowed, retry, err := lim.Allow(ctx, "orders:7", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed || retry <= 0 {
		t.Fatalf("expected limited with retry, got allowed=%v retry=%s", allowed, retry)
	}
	if !s.Exists("test:orders:7") {
		t.Fatalf("expected prefixed key in redis")
	}

	s.FastForward(600 * time.Millisecond)
	if allowed, _, err := lim.Allow(ctx, "orders:7", time.Now()); err != nil || !allowed {
		t.Fatalf("expected allow after window, err %v", err)
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, time.Time) (bool, time.Duration, error) {
	return false, 0, errors.New("redis down")
}

func router(limiter Limiter, userID int64) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if userID != 0 {
			c.Set(auth.ContextUserIDKey, userID)
		}
		c.Next()
	})
	r.POST("/orders", Middleware(limiter, "orders", logging.Discard()), func(c *gin.Context) {
		c.Status(http.StatusCreated)
	})
	return r
}

func post(r *gin.Engine) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/orders", nil))
	return w
}

func TestMiddlewareLimitsPerUser(t *testing.T) {
	r := router(NewMemory(1, time.Minute), 5)

	if w := post(r); w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	w := post(r)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestMiddlewareFailsOpen(t *testing.T) {
	r := router(failingLimiter{}, 5)
	if w := post(r); w.Code != http.StatusCreated {
		t.Fatalf("expected limiter error to fail open, got %d", w.Code)
	}
}

func TestMiddlewareSkipsAnonymous(t *testing.T) {
	r := router(NewMemory(1, time.Minute), 0)
	for i := 0; i < 3; i++ {
		if w := post(r); w.Code != http.StatusCreated {
			t.Fatalf("call %d: expected 201, got %d", i+1, w.Code)
		}
	}
}
