package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/gpufleet/internal/api/response"
	"github.com/kiranshivaraju/gpufleet/internal/cache"
)

const (
	defaultRequestsPerMinute = 60
	rateWindow               = time.Minute
)

// RateLimit counts requests per API key in fixed one-minute windows held in
// the shared cache, so every control plane replica enforces the same limit.
type RateLimit struct {
	cache          cache.Cache
	requestsPerMin int
	now            func() time.Time
}

// NewRateLimit creates a new RateLimit middleware.
func NewRateLimit(c cache.Cache, requestsPerMin int) *RateLimit {
	if requestsPerMin <= 0 {
		requestsPerMin = defaultRequestsPerMinute
	}
	return &RateLimit{cache: c, requestsPerMin: requestsPerMin, now: time.Now}
}

// Limit applies the per-minute limit to the API key named by Authenticate. Requests
// without a key name pass through. A cache failure fails open.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name, ok := GetKeyName(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		now := rl.now()
		window := now.Truncate(rateWindow)
		reset := window.Add(rateWindow)

		// The key outlives its window slightly so late increments never
		// recreate a counter without expiry.
		count, err := rl.cache.IncrWithExpiry(r.Context(), cache.RateLimitKey(name, window), 2*rateWindow)
		if err != nil {
			slog.Warn("rate limit unavailable, allowing request", "key_name", name, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		remaining := max(rl.requestsPerMin-int(count), 0)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.requestsPerMin))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if count > int64(rl.requestsPerMin) {
			retry := int(reset.Sub(now).Round(time.Second) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(max(retry, 1)))
			response.Error(w, http.StatusTooManyRequests,
				"RATE_LIMIT_EXCEEDED", "Too many requests", map[string]any{
					"limit_per_minute": rl.requestsPerMin,
				})
			return
		}

		next.ServeHTTP(w, r)
	})
}
