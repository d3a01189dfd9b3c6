package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// KeyFunc derives the bucket key for a request.
type KeyFunc func(r *http.Request) string

// Middleware rejects requests whose key is out of tokens with 429 and a
// Retry-After header. onLimit, if non-nil, observes each rejection.
func Middleware(l *Limiter, key KeyFunc, onLimit func(key string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if l.Allow(k) {
				next.ServeHTTP(w, r)
				return
			}
			if onLimit != nil {
				onLimit(k)
			}
			retry := l.RetryAfter(k)
			w.Header().Set("Retry-After", strconv.Itoa(int(retry/time.Second)+1))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "rate limit exceeded"})
		})
	}
}
