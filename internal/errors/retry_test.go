package errors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	// Given: a function failing twice then succeeding
	calls := 0
	fn := func() error {
		calls++
		if calls < 3 {
			return IOError("commit", nil)
		}
		return nil
	}

	// When: retrying with 3 retries
	err := Retry(context.Background(), fastRetry(3), fn)

	// Then: it succeeds on the third attempt
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	// Given: a function that always fails
	calls := 0
	cause := errors.New("disk gone")

	// When: retrying twice
	err := Retry(context.Background(), fastRetry(2), func() error {
		calls++
		return cause
	})

	// Then: initial attempt plus two retries, and the last error is wrapped
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "failed after 2 retries")
}

func TestRetry_ShouldRetryStopsEarly(t *testing.T) {
	// Given: a predicate that only retries transient errors
	cfg := fastRetry(5)
	cfg.ShouldRetry = IsRetryable
	calls := 0

	// When: the function returns a validation error
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return ValidationError("bad doc", nil)
	})

	// Then: no retry happens
	assert.Equal(t, 1, calls)
	assert.True(t, IsValidation(err))
}

func TestRetry_OnRetryHookAndBackoffCap(t *testing.T) {
	// Given: a hook capturing delays
	var delays []time.Duration
	cfg := fastRetry(4)
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		delays = append(delays, delay)
	}

	// When: every attempt fails
	_ = Retry(context.Background(), cfg, func() error { return errors.New("x") })

	// Then: delays grow exponentially up to MaxDelay
	assert.Equal(t, []time.Duration{
		time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond, 4 * time.Millisecond,
	}, delays)
}

func TestRetry_ContextCancelled(t *testing.T) {
	// Given: a cancelled context
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// When: retrying
	err := Retry(ctx, fastRetry(3), func() error { return nil })

	// Then: the context error is returned without calling fn
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryWithResult_ReturnsValue(t *testing.T) {
	calls := 0
	got, err := RetryWithResult(context.Background(), fastRetry(2), func() (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("first")
		}
		return "commit-7", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "commit-7", got)
}
