package handlers

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/auth"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/httpx"
)

const callerLimiterIdleTTL = 10 * time.Minute

// CallerRateLimiter keeps one token bucket per signed caller. Requests without a caller are keyed by
// remote address.
type CallerRateLimiter struct {
	limit rate.Limit
	burst int
	clock func() time.Time

	mu      sync.Mutex
	buckets map[string]*callerBucket
}

type callerBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewCallerRateLimiter allows requests per window for each caller, bursting up to requests.
// It returns nil when throttling is disabled.
func NewCallerRateLimiter(requests int, window time.Duration, clock func() time.Time) *CallerRateLimiter {
	if requests <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &CallerRateLimiter{
		limit:   rate.Every(window / time.Duration(requests)),
		burst:   requests,
		clock:   clock,
		buckets: make(map[string]*callerBucket),
	}
}

// Allow reports whether key may proceed now, and otherwise how long until the next token.
func (l *CallerRateLimiter) Allow(key string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()

	l.mu.Lock()
	bucket, ok := l.buckets[key]
	if !ok {
		l.pruneIdleLocked(now)
		bucket = &callerBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = bucket
	}
	bucket.lastSeen = now
	l.mu.Unlock()

	reservation := bucket.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, 0
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Middleware rejects callers that exhausted their bucket with 429 and a Retry-After hint.
func (l *CallerRateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, retryAfter := l.Allow(rateLimitKey(r))
			if ok {
				next.ServeHTTP(w, r)
				return
			}
			seconds := int(math.Ceil(retryAfter.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", fmt.Sprintf("too many requests, retry in %ds", seconds), http.StatusTooManyRequests).
				WithDetail("retryAfterSeconds", seconds))
		})
	}
}

func (l *CallerRateLimiter) pruneIdleLocked(now time.Time) {
	for key, bucket := range l.buckets {
		if now.Sub(bucket.lastSeen) > callerLimiterIdleTTL {
			delete(l.buckets, key)
		}
	}
}

func rateLimitKey(r *http.Request) string {
	if caller, ok := auth.CallerFromContext(r.Context()); ok && caller.Name != "" {
		return "caller:" + caller.Name
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}
