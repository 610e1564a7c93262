package httpx

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ratePolicy is the request budget for one class of deployment routes.
// Keys are scoped per class, so exhausting the deploy budget leaves
// status reads and streams untouched.
type ratePolicy struct {
	class  string
	limit  int
	window time.Duration
}

var (
	policyDeploy = ratePolicy{class: "deploy", limit: 30, window: time.Minute}
	policyRead   = ratePolicy{class: "read", limit: 120, window: time.Minute}
	policyStream = ratePolicy{class: "stream", limit: 30, window: 30 * time.Second}
)

type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

func (d rateDecision) remaining(limit int) int {
	left := limit - d.count
	if left < 0 {
		return 0
	}
	return left
}

// Allow calls between expired-bucket sweeps.
const memorySweepEvery = 4096

// memoryRateLimiter counts hits in fixed windows. Expired buckets are
// swept opportunistically on the Allow path, so there is no background
// goroutine to stop.
type memoryRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rateBucket
	ops     int
}

type rateBucket struct {
	count     int
	windowEnd time.Time
}

func NewMemoryRateLimiter() RateLimiter {
	return &memoryRateLimiter{buckets: make(map[string]*rateBucket)}
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.ops++
	if rl.ops >= memorySweepEvery {
		rl.sweep(now)
		rl.ops = 0
	}
	bucket := rl.buckets[key]
	if bucket == nil || now.After(bucket.windowEnd) {
		bucket = &rateBucket{windowEnd: now.Add(window)}
		rl.buckets[key] = bucket
	}
	bucket.count++
	return rateDecision{allowed: bucket.count <= limit, count: bucket.count, windowEnd: bucket.windowEnd}
}

func (rl *memoryRateLimiter) sweep(now time.Time) {
	for key, bucket := range rl.buckets {
		if now.After(bucket.windowEnd) {
			delete(rl.buckets, key)
		}
	}
}

func (rl *memoryRateLimiter) Close() {}

func (r *Router) withRateLimit(p ratePolicy, keyFn func(*http.Request) string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if p.limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		key := keyFn(req)
		if key == "" {
			key = rateLimitKeyIP(req)
		}
		decision := r.limiter.Allow(p.class+":"+key, p.limit, p.window)
		r.applyRateHeaders(w, p.limit, decision)
		if !decision.allowed {
			r.recordRateLimitHit(p.class, rateMetricKey(key))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

func (r *Router) handlerAuthRate(p ratePolicy, next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(r.withRateLimit(p, r.rateLimitKeyUser, next))
}

func (r *Router) rateLimitKeyUser(req *http.Request) string {
	if info, ok := authInfoFromContext(req.Context()); ok && info.UserID != "" {
		return "user:" + info.UserID
	}
	return ""
}

// rateLimitKeyDeployment scopes stream subscriptions to the deployment
// being watched, so one busy rollout cannot starve the others.
func (r *Router) rateLimitKeyDeployment(req *http.Request) string {
	if id := req.URL.Query().Get("deployment_id"); id != "" {
		return "deployment:" + id
	}
	return r.rateLimitKeyUser(req)
}

func rateLimitKeyIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}

// rateMetricKey reduces a rate key to its kind (user, ip, deployment)
// so the metric label stays bounded.
func rateMetricKey(key string) string {
	if key == "" {
		return "unknown"
	}
	if idx := strings.IndexRune(key, ':'); idx > 0 {
		return key[:idx]
	}
	return key
}
