package control

import (
	"context"
	"errors"
	"net"
	"time"
)

// Error classes fed to the poll breaker.
const (
	ClassNetwork = "network"
	ClassTimeout = "timeout"
	ClassAPI     = "api"
)

// RetryBackoff computes exponential backoff with a fixed cap.
func RetryBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	if attempt > 6 {
		attempt = 6
	}
	d := time.Duration(1<<(attempt-1)) * time.Second
	if d > 30*time.Second {
		return 30 * time.Second
	}
	return d
}

// ErrorClass buckets a polling error for the circuit breaker.
func ErrorClass(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return ClassTimeout
	case errors.As(err, &netErr):
		return ClassNetwork
	default:
		return ClassAPI
	}
}

// Sleep waits for d or until ctx is done. It reports false when ctx ended
// first.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
