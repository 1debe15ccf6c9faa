package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/upb/policy-rag/utils"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware enforces a token bucket per requester
type RateLimitMiddleware struct {
	limit  rate.Limit
	burst  int
	logger *zap.Logger

	mu       sync.Mutex
	limiters map[string]*limiterEntry
	now      func() time.Time
}

// NewRateLimitMiddleware allows perMinute requests per requester with the given burst.
// perMinute <= 0 disables limiting.
func NewRateLimitMiddleware(perMinute, burst int, logger *zap.Logger) *RateLimitMiddleware {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(float64(perMinute) / 60)
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimitMiddleware{
		limit:    limit,
		burst:    burst,
		logger:   logger,
		limiters: make(map[string]*limiterEntry),
		now:      time.Now,
	}
}

// Limit rejects a requester's request with 429 once their bucket is empty.
// It must run after RequireRequester.
func (m *RateLimitMiddleware) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requester := GetRequesterFromContext(r.Context())
		if requester == nil || m.limit == rate.Inf {
			next.ServeHTTP(w, r)
			return
		}

		reservation := m.limiter(requester.ID).ReserveN(m.now(), 1)
		if delay := reservation.DelayFrom(m.now()); delay > 0 {
			reservation.CancelAt(m.now())
			retryAfter := int(math.Ceil(delay.Seconds()))

			m.logger.Warn("requester rate limited",
				zap.String("request_id", GetRequestIDFromContext(r.Context())),
				zap.String("requester_id", requester.ID),
				zap.Duration("retry_after", delay))

			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			_ = utils.WriteTooManyRequests(w, "Too many questions. Please wait a moment and try again.",
				map[string]interface{}{"code": "RATE_LIMITED", "retry_after_seconds": retryAfter})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *RateLimitMiddleware) limiter(requesterID string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.limiters[requesterID]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(m.limit, m.burst)}
		m.limiters[requesterID] = entry
	}
	entry.lastSeen = m.now()
	return entry.limiter
}

// Prune forgets requesters idle for longer than idle and returns how many were removed
func (m *RateLimitMiddleware) Prune(idle time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-idle)
	removed := 0
	for id, entry := range m.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(m.limiters, id)
			removed++
		}
	}
	return removed
}

// StartPruning prunes idle requesters every interval until stop is closed
func (m *RateLimitMiddleware) StartPruning(interval, idle time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := m.Prune(idle); n > 0 {
					m.logger.Debug("pruned idle rate limiters", zap.Int("count", n))
				}
			case <-stop:
				return
			}
		}
	}()
}
