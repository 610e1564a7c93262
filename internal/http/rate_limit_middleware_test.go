package httpx

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestMemoryRateLimiterWindow(t *testing.T) {
	limiter := NewMemoryRateLimiter()
	defer limiter.Close()

	for i := 1; i <= 3; i++ {
		decision := limiter.Allow("deploy:user:u1", 3, time.Minute)
		if !decision.allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if got := decision.remaining(3); got != 3-i {
			t.Fatalf("remaining after request %d = %d, want %d", i, got, 3-i)
		}
	}
	if decision := limiter.Allow("deploy:user:u1", 3, time.Minute); decision.allowed {
		t.Fatal("fourth request should be rejected")
	}
}

func TestMemoryRateLimiterKeysIsolated(t *testing.T) {
	limiter := NewMemoryRateLimiter()
	defer limiter.Close()

	if decision := limiter.Allow("deploy:user:u1", 1, time.Minute); !decision.allowed {
		t.Fatal("first deploy request should be allowed")
	}
	if decision := limiter.Allow("deploy:user:u1", 1, time.Minute); decision.allowed {
		t.Fatal("second deploy request should be rejected")
	}
	// Same user under a different route class keeps its own budget.
	if decision := limiter.Allow("read:user:u1", 1, time.Minute); !decision.allowed {
		t.Fatal("read budget should be untouched by deploy exhaustion")
	}
	if decision := limiter.Allow("deploy:user:u2", 1, time.Minute); !decision.allowed {
		t.Fatal("another user's deploy budget should be untouched")
	}
}

func TestMemoryRateLimiterSweep(t *testing.T) {
	rl := NewMemoryRateLimiter().(*memoryRateLimiter)
	defer rl.Close()

	rl.buckets["stale"] = &rateBucket{count: 5, windowEnd: time.Now().Add(-time.Minute)}
	for i := 0; i < memorySweepEvery; i++ {
		rl.Allow("live", memorySweepEvery+1, time.Minute)
	}
	rl.mu.Lock()
	_, ok := rl.buckets["stale"]
	rl.mu.Unlock()
	if ok {
		t.Fatal("expired bucket should have been swept")
	}
}

func TestRateLimitKeyDeployment(t *testing.T) {
	router := newTestRouter(&deployStub{}, &catalogStub{}, "")
	defer router.Close()

	req := httptest.NewRequest("GET", "/ws/deployments?deployment_id=dep-9", nil)
	if got := router.rateLimitKeyDeployment(req); got != "deployment:dep-9" {
		t.Fatalf("key = %q, want deployment:dep-9", got)
	}
	req = httptest.NewRequest("GET", "/ws/deployments", nil)
	req.RemoteAddr = "10.0.0.1:4444"
	if got := router.rateLimitKeyDeployment(req); got != "" {
		t.Fatalf("key without deployment or user = %q, want empty fallback", got)
	}
}
