package reliability

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"
)

// Backoff is a capped exponential retry schedule.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the pause before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	if d <= 0 {
		return 0
	}
	for i := 0; i < attempt; i++ {
		d *= 2
		if b.Cap > 0 && d >= b.Cap {
			return b.Cap
		}
	}
	if b.Cap > 0 && d > b.Cap {
		return b.Cap
	}
	return d
}

// Wait sleeps for Delay(attempt) or until ctx is done.
func (b Backoff) Wait(ctx context.Context, attempt int) error {
	d := b.Delay(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsRetryableHTTPStatus reports whether a callback endpoint answer is worth retrying.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	case http.StatusNotImplemented, http.StatusHTTPVersionNotSupported:
		return false
	}
	return code >= 500 && code <= 599
}

// IsRetryableSpeechCode classifies error codes sent by the speech gateway.
func IsRetryableSpeechCode(code string) bool {
	switch code {
	case "rate_limited", "resource_exhausted", "queue_overflow", "upstream_timeout", "error":
		return true
	default:
		return false
	}
}

// IsRetryableTransportError reports whether a failed request may succeed on
// a second attempt. Caller cancellation never retries.
func IsRetryableTransportError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
