package httpx

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type HTTPStatusCoder interface {
	HTTPStatusCode() int
}

func IsRetryableHTTPStatus(code int) bool {
	if code == 408 || code == 429 {
		return true
	}
	return code >= 500 && code <= 599
}

func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() || netErr.Temporary() {
			return true
		}
	}
	var sc HTTPStatusCoder
	if errors.As(err, &sc) {
		return IsRetryableHTTPStatus(sc.HTTPStatusCode())
	}
	return false
}

func RetryAfterDuration(resp *http.Response, fallback, max time.Duration) time.Duration {
	sleepFor := fallback
	if resp != nil {
		if ra := strings.TrimSpace(resp.Header.Get("Retry-After")); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				sleepFor = time.Duration(secs) * time.Second
			}
		}
	}
	if max > 0 && sleepFor > max {
		sleepFor = max
	}
	return sleepFor
}

func JitterSleep(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	j := 0.2
	delta := base.Seconds() * j
	low := base.Seconds() - delta
	high := base.Seconds() + delta
	if low < 0 {
		low = 0
	}
	v := low + rand.Float64()*(high-low)
	return time.Duration(v * float64(time.Second))
}

// Attempt performs one try of a retryable HTTP call. It returns the raw
// response (consulted for its Retry-After header, may be nil on a
// transport-level failure) alongside the classified error.
type Attempt func(ctx context.Context, attemptN int) (resp *http.Response, err error)

// RetryLoop drives up to maxRetries+1 attempts of a single HTTP call with
// jittered, doubling backoff between tries, stopping as soon as an attempt
// returns a non-retryable error or succeeds. onRetry, when non-nil, fires
// once per sleep so the caller can log with its own fields; the vision
// runtime client and the Job Registry client each wrap a different
// transport/decode step around the same backoff arithmetic.
func RetryLoop(ctx context.Context, maxRetries int, base, maxSleep time.Duration, attempt Attempt, onRetry func(attemptN int, sleep time.Duration, err error)) error {
	backoff := base
	for n := 0; n <= maxRetries; n++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		resp, err := attempt(ctx, n)
		if err == nil {
			return nil
		}
		if !IsRetryableError(err) || n == maxRetries {
			return err
		}
		sleepFor := JitterSleep(RetryAfterDuration(resp, backoff, maxSleep))
		if onRetry != nil {
			onRetry(n+1, sleepFor, err)
		}
		select {
		case <-time.After(sleepFor):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return fmt.Errorf("httpx: retry loop exited without a terminal result")
}
