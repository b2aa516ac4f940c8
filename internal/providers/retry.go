package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/nextlevelbuilder/beaver/internal/retry"
)

// HTTPError is a non-200 answer from a provider API.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// DefaultRetryPolicy retries rate limits and server errors a few times.
func DefaultRetryPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
}

// IsRetryable reports whether a provider call may succeed when repeated.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return retryableStatus(httpErr.Status)
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.StatusCode)
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// RetryDo runs fn under policy, retrying errors IsRetryable accepts.
func RetryDo[T any](ctx context.Context, policy retry.Policy, fn func() (T, error)) (T, error) {
	return retry.Do(ctx, policy, IsRetryable, func(context.Context) (T, error) {
		return fn()
	})
}

// ParseRetryAfter reads a Retry-After header given in seconds.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
