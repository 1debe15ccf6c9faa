package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/policy-rag/services"
	"go.uber.org/zap"
)

func newTestRetrier(maxRetries int) (*Retrier, *[]time.Duration) {
	r := NewRetrier(RetryConfig{
		MaxRetries: maxRetries,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
	}, zap.NewNop())
	var slept []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return r, &slept
}

func TestRetrier_RetriesRetryableErrors(t *testing.T) {
	r, slept := newTestRetrier(3)
	calls := 0

	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return ClassifyStatus("test", 503, "unavailable")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	require.Len(t, *slept, 2)
	assert.GreaterOrEqual(t, (*slept)[1], (*slept)[0])
}

func TestRetrier_StopsOnNonRetryable(t *testing.T) {
	r, slept := newTestRetrier(3)
	calls := 0

	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return ClassifyStatus("test", 400, "bad request")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestRetrier_AttemptCap(t *testing.T) {
	r, _ := newTestRetrier(2)
	calls := 0

	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return ClassifyStatus("test", 429, "slow down")
	})

	assert.True(t, IsRateLimited(err))
	assert.Equal(t, 3, calls)
}

func TestRetrier_BackoffCapsAndHonoursRetryAfter(t *testing.T) {
	r, _ := newTestRetrier(10)

	for attempt := 1; attempt <= 10; attempt++ {
		assert.LessOrEqual(t, r.backoff(attempt, nil), time.Second)
	}

	pe := ClassifyStatus("test", 429, "slow down")
	pe.RetryAfter = 900 * time.Millisecond
	assert.Equal(t, 900*time.Millisecond, r.backoff(1, pe))
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status    int
		code      string
		retryable bool
	}{
		{429, CodeRateLimited, true},
		{500, CodeUnavailable, true},
		{502, CodeUnavailable, true},
		{400, CodeInvalidRequest, false},
		{401, CodeInvalidRequest, false},
	}

	for _, tt := range tests {
		pe := ClassifyStatus("openai", tt.status, "msg")
		assert.Equal(t, tt.code, pe.Code, "status %d", tt.status)
		assert.Equal(t, tt.retryable, pe.Retryable, "status %d", tt.status)
	}
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, ParseRetryAfter("3"))
	assert.Equal(t, time.Duration(0), ParseRetryAfter(""))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("Wed, 21 Oct 2015 07:28:00 GMT"))
}

func TestToDomainError(t *testing.T) {
	assert.Nil(t, ToDomainError(nil))

	err := ToDomainError(ClassifyStatus("openai", 429, "limit"))
	assert.Equal(t, services.CodeProviderRateLimited, services.GetErrorCode(err))

	err = ToDomainError(NewProviderError("openai", CodeContentFiltered, "filtered", 400, false, nil))
	assert.Equal(t, services.CodeContentFiltered, services.GetErrorCode(err))

	err = ToDomainError(errors.New("connection refused"))
	assert.Equal(t, services.CodeProviderUnavailable, services.GetErrorCode(err))

	// already mapped errors pass through
	orig := services.NewGenerationUnavailable("down", nil)
	assert.Same(t, orig, ToDomainError(orig))
}
