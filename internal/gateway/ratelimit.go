package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/basket/grace/internal/config"
)

const defaultMaxClients = 1024

// tokenBucket refills continuously at rate tokens per second up to burst.
type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	burst    float64
	rate     float64
	last     time.Time
	lastSeen time.Time
}

func newTokenBucket(perMinute, burst int, now time.Time) *tokenBucket {
	return &tokenBucket{
		tokens:   float64(burst),
		burst:    float64(burst),
		rate:     float64(perMinute) / 60,
		last:     now,
		lastSeen: now,
	}
}

func (b *tokenBucket) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = min(b.burst, b.tokens+now.Sub(b.last).Seconds()*b.rate)
	b.last, b.lastSeen = now, now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (b *tokenBucket) idleSince() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeen
}

// RateLimitMiddleware throttles mutating requests per caller so a runaway
// client cannot flap kernels or remediation primitives. Reads pass through.
// A caller is its credential plus the actor it claims, so one misbehaving
// healer does not lock the operator out.
type RateLimitMiddleware struct {
	cfg     config.RateLimitConfig
	buckets *lru.Cache[string, *tokenBucket]
	logger  *slog.Logger
}

func NewRateLimitMiddleware(cfg config.RateLimitConfig, logger *slog.Logger) *RateLimitMiddleware {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 10
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = defaultMaxClients
	}
	if logger == nil {
		logger = slog.Default()
	}
	// lru.New only fails for a non-positive size.
	buckets, _ := lru.New[string, *tokenBucket](cfg.MaxClients)
	return &RateLimitMiddleware{cfg: cfg, buckets: buckets, logger: logger}
}

// StartEviction forgets callers idle for longer than maxAge, every interval,
// until ctx is done.
func (rl *RateLimitMiddleware) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

func (rl *RateLimitMiddleware) EvictStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	evicted := 0
	for _, key := range rl.buckets.Keys() {
		if b, ok := rl.buckets.Peek(key); ok && !b.idleSince().After(cutoff) {
			rl.buckets.Remove(key)
			evicted++
		}
	}
	if evicted > 0 {
		rl.logger.Debug("rate limiter eviction", "evicted", evicted, "remaining", rl.buckets.Len())
	}
}

func (rl *RateLimitMiddleware) BucketCount() int {
	return rl.buckets.Len()
}

func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if !rl.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isMutatingMethod(r.Method) && !rl.bucket(callerKey(r)).allow(time.Now()) {
			rl.logger.Warn("rate limit exceeded", "path", r.URL.Path, "actor", r.Header.Get("X-Grace-Actor"))
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// callerKey is the credential (API key, else client host) plus the claimed actor.
func callerKey(r *http.Request) string {
	who := ""
	if key := ExtractAPIKey(r); key != "" {
		who = "key:" + key
	} else if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		who = "addr:" + host
	} else {
		who = "addr:" + r.RemoteAddr
	}
	return who + "|" + r.Header.Get("X-Grace-Actor")
}

func (rl *RateLimitMiddleware) bucket(key string) *tokenBucket {
	if b, ok := rl.buckets.Get(key); ok {
		return b
	}
	b := newTokenBucket(rl.cfg.RequestsPerMinute, rl.cfg.BurstSize, time.Now())
	if prev, ok, _ := rl.buckets.PeekOrAdd(key, b); ok {
		return prev
	}
	return b
}
