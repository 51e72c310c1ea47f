package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/peacprotocol/peac-sub013/pkg/problem"
)

// KeyFunc derives the throttling key for a request. An empty key bypasses
// the limiter.
type KeyFunc func(*http.Request) string

// Middleware rejects throttled requests with a 429 problem and reports the
// limit state in RateLimit-* headers on every response.
func Middleware(limiter Limiter, key KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil || key == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k == "" {
				next.ServeHTTP(w, r)
				return
			}
			d := limiter.Allow(r.Context(), k)
			h := w.Header()
			h.Set("RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("RateLimit-Reset", strconv.Itoa(seconds(time.Until(d.ResetAt))))
			if !d.Allowed {
				h.Set("Retry-After", strconv.Itoa(max(1, seconds(d.RetryAfter))))
				problem.Write(w, r, problem.New(problem.CodeRateLimited, "too many requests"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func seconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
