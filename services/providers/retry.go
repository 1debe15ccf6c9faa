package providers

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RetryConfig bounds retries and throttles calls to a provider
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int

	// BaseDelay is the first backoff delay; it doubles until MaxDelay
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// RequestsPerSecond and Burst configure a token bucket; zero disables it
	RequestsPerSecond float64
	Burst             int

	// CallTimeout bounds each individual attempt; zero disables it
	CallTimeout time.Duration
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          8 * time.Second,
		RequestsPerSecond: 10,
		Burst:             5,
		CallTimeout:       30 * time.Second,
	}
}

// Retrier runs provider calls with proactive rate limiting and capped
// exponential backoff with jitter on retryable failures.
type Retrier struct {
	cfg     RetryConfig
	limiter *rate.Limiter
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRetrier creates a new retrier
func NewRetrier(cfg RetryConfig, logger *zap.Logger) *Retrier {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Retrier{cfg: cfg, logger: logger, sleep: sleepContext}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return r
}

// Do calls op until it succeeds, returns a non-retryable error, or the
// attempt cap is reached. The last error is returned unchanged.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.backoff(attempt, lastErr)
			r.logger.Debug("retrying provider call",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if err := r.sleep(ctx, delay); err != nil {
				return lastErr
			}
		}

		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				if lastErr != nil {
					return lastErr
				}
				return NewProviderError("limiter", CodeUnavailable, "rate limiter wait aborted", 0, false, err)
			}
		}

		lastErr = r.call(ctx, op)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) || ctx.Err() != nil {
			return lastErr
		}
	}

	return lastErr
}

func (r *Retrier) call(ctx context.Context, op func(ctx context.Context) error) error {
	if r.cfg.CallTimeout <= 0 {
		return op(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	return op(callCtx)
}

// backoff returns base*2^(attempt-1) capped at MaxDelay with up to 20% jitter.
// A server Retry-After wins when it is longer.
func (r *Retrier) backoff(attempt int, lastErr error) time.Duration {
	delay := r.cfg.BaseDelay << uint(attempt-1)
	if delay <= 0 || delay > r.cfg.MaxDelay {
		delay = r.cfg.MaxDelay
	}
	delay += time.Duration(rand.Int63n(int64(delay)/5 + 1))

	var pe *ProviderError
	if errors.As(lastErr, &pe) && pe.RetryAfter > delay {
		delay = pe.RetryAfter
	}
	if delay > r.cfg.MaxDelay {
		delay = r.cfg.MaxDelay
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ParseRetryAfter reads a Retry-After header given in seconds
func ParseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	secs, err := strconv.Atoi(value)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
