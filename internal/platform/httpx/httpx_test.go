package httpx

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatusError struct{ code int }

func (e *fakeStatusError) Error() string       { return "fake status error" }
func (e *fakeStatusError) HTTPStatusCode() int { return e.code }

func TestRetryLoop_SucceedsWithoutRetryOnFirstAttempt(t *testing.T) {
	calls := 0
	err := RetryLoop(context.Background(), 3, time.Millisecond, time.Millisecond,
		func(ctx context.Context, attemptN int) (*http.Response, error) {
			calls++
			return nil, nil
		},
		func(attemptN int, sleep time.Duration, err error) {
			t.Fatalf("onRetry should not fire on a first-try success")
		},
	)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryLoop_RetriesRetryableErrorsThenSucceeds(t *testing.T) {
	calls := 0
	var retries []int
	err := RetryLoop(context.Background(), 3, time.Millisecond, time.Millisecond,
		func(ctx context.Context, attemptN int) (*http.Response, error) {
			calls++
			if calls < 3 {
				return nil, &fakeStatusError{code: 503}
			}
			return nil, nil
		},
		func(attemptN int, sleep time.Duration, err error) {
			retries = append(retries, attemptN)
		},
	)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestRetryLoop_ReturnsImmediatelyOnNonRetryableError(t *testing.T) {
	calls := 0
	err := RetryLoop(context.Background(), 3, time.Millisecond, time.Millisecond,
		func(ctx context.Context, attemptN int) (*http.Response, error) {
			calls++
			return nil, &fakeStatusError{code: 400}
		},
		func(attemptN int, sleep time.Duration, err error) {
			t.Fatalf("onRetry should not fire for a non-retryable status")
		},
	)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryLoop_StopsAfterMaxRetriesExhausted(t *testing.T) {
	calls := 0
	err := RetryLoop(context.Background(), 2, time.Millisecond, time.Millisecond,
		func(ctx context.Context, attemptN int) (*http.Response, error) {
			calls++
			return nil, &fakeStatusError{code: 503}
		},
		func(attemptN int, sleep time.Duration, err error) {},
	)
	require.Error(t, err)
	assert.Equal(t, 3, calls) // initial attempt + 2 retries
}

func TestRetryLoop_HonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RetryLoop(ctx, 3, time.Millisecond, time.Millisecond,
		func(ctx context.Context, attemptN int) (*http.Response, error) {
			t.Fatalf("attempt should not run against an already-cancelled context")
			return nil, nil
		},
		nil,
	)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestIsRetryableHTTPStatus(t *testing.T) {
	assert.True(t, IsRetryableHTTPStatus(429))
	assert.True(t, IsRetryableHTTPStatus(500))
	assert.True(t, IsRetryableHTTPStatus(503))
	assert.False(t, IsRetryableHTTPStatus(400))
	assert.False(t, IsRetryableHTTPStatus(404))
}
