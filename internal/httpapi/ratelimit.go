package httpapi

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/austindbirch/harbor_relay/internal/auth"
)

// maxLimiters bounds the per-caller limiter cache; it is reset when full.
const maxLimiters = 10000

type limiterCache struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newLimiterCache(perHour int) *limiterCache {
	return &limiterCache{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Every(time.Hour / time.Duration(perHour)),
		burst:    perHour,
	}
}

func (c *limiterCache) get(key string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.limiters[key]; ok {
		return l
	}
	if len(c.limiters) >= maxLimiters {
		c.limiters = make(map[string]*rate.Limiter)
	}
	l := rate.NewLimiter(c.limit, c.burst)
	c.limiters[key] = l
	return l
}

// PerHour limits each caller to perHour requests per rolling hour. Callers
// are told apart by token subject, or by client address when auth is off.
// A non-positive perHour disables the limit.
func PerHour(perHour int) func(http.Handler) http.Handler {
	if perHour <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	cache := newLimiterCache(perHour)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := auth.Subject(r.Context(), "ip:"+clientIP(r))
			res := cache.get(key).Reserve()
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				w.Header().Set("Retry-After", strconv.Itoa(int(delay.Seconds())+1))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many test calls; try again later")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
