package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/taskhub/internal/metrics"
)

const rateLimitWindow = time.Minute

type keyedLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

// rateLimiter — token bucket на ключ: max запросов за window с пополнением
// по одному токену каждые window/max.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*keyedLimiter
	r        rate.Limit
	b        int
	window   time.Duration
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	rl := &rateLimiter{limiters: make(map[string]*keyedLimiter), b: max, window: window}
	if max > 0 {
		rl.r = rate.Every(window / time.Duration(max))
	}
	return rl
}

func (rl *rateLimiter) get(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	kl, ok := rl.limiters[key]
	if !ok {
		kl = &keyedLimiter{lim: rate.NewLimiter(rl.r, rl.b)}
		rl.limiters[key] = kl
	}
	kl.seen = now
	return kl.lim
}

// allow возвращает false и время до следующего токена, если ключ исчерпал лимит.
func (rl *rateLimiter) allow(key string) (bool, time.Duration) {
	now := time.Now()
	res := rl.get(key, now).ReserveN(now, 1)
	if !res.OK() {
		return false, rl.window
	}
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return false, d
	}
	return true, 0
}

// sweep удаляет ключи, не виденные дольше окна: их bucket уже полон,
// и новый limiter ведёт себя так же.
func (rl *rateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-rl.window)
	for k, kl := range rl.limiters {
		if kl.seen.Before(cutoff) {
			delete(rl.limiters, k)
		}
	}
}

// RateLimit ограничивает запросы token bucket'ом на минуту по IP и по пользователю
// (если он уже в контексте). 429 при превышении; 0 отключает лимит.
func RateLimit(perIP, perUser int) func(http.Handler) http.Handler {
	byIP := newRateLimiter(perIP, rateLimitWindow)
	byUser := newRateLimiter(perUser, rateLimitWindow)
	var lastSweep time.Time
	var sweepMu sync.Mutex
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sweepMu.Lock()
			if time.Since(lastSweep) > rateLimitWindow {
				lastSweep = time.Now()
				byIP.sweep()
				byUser.sweep()
			}
			sweepMu.Unlock()

			if perIP > 0 {
				if ok, wait := byIP.allow(clientIP(r)); !ok {
					tooMany(w, "ip", wait)
					return
				}
			}
			if userID := GetUserID(r.Context()); perUser > 0 && userID != "" {
				if ok, wait := byUser.allow("u:" + userID); !ok {
					tooMany(w, "user", wait)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if x := r.Header.Get("X-Real-Ip"); x != "" {
		return x
	}
	if x := r.Header.Get("X-Forwarded-For"); x != "" {
		if idx := strings.Index(x, ","); idx > 0 {
			return strings.TrimSpace(x[:idx])
		}
		return x
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func tooMany(w http.ResponseWriter, scope string, wait time.Duration) {
	metrics.RateLimitHits.WithLabelValues(scope).Inc()
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"error":"too many requests","code":"rate_limited"}`))
}
