package graph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrNoToken means the token provider had nothing to give. The call was not
// attempted and should be retried later.
var ErrNoToken = errors.New("graph: no access token available")

// ErrMalformedResponse wraps a 2xx body that could not be decoded.
var ErrMalformedResponse = errors.New("graph: malformed response body")

// IsNoToken reports whether a call was skipped for want of a token.
func IsNoToken(err error) bool {
	return errors.Is(err, ErrNoToken)
}

// StatusError is a non-2xx response from Graph.
type StatusError struct {
	StatusCode int
	Method     string
	URL        string
	Body       string
	// RetryAfter is the parsed Retry-After header, zero when absent.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("graph %s %s returned %d: %s", e.Method, e.URL, e.StatusCode, body)
}

func statusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// IsNotFound reports whether the resource is gone (404 or 410).
func IsNotFound(err error) bool {
	code := statusCode(err)
	return code == http.StatusNotFound || code == http.StatusGone
}

// IsPreconditionFailed reports a stale If-Match version token (412).
func IsPreconditionFailed(err error) bool {
	return statusCode(err) == http.StatusPreconditionFailed
}

// IsRateLimited reports a 429.
func IsRateLimited(err error) bool {
	return statusCode(err) == http.StatusTooManyRequests
}

// RetryAfter reports whether err is a 429 and, if so, the server's hint.
// A zero duration means the server gave none.
func RetryAfter(err error) (time.Duration, bool) {
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusTooManyRequests {
		return 0, false
	}
	return se.RetryAfter, true
}

// IsTransient reports failures that count against the circuit breaker:
// 5xx responses, timeouts and network errors. Cancellation by the caller is
// not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrNoToken) {
		return false
	}
	if code := statusCode(err); code != 0 {
		return code >= 500 || code == http.StatusRequestTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, ErrMalformedResponse) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// A body cut off mid-read surfaces as a bare EOF from the transport.
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
