package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

var (
	ErrRateLimited  = errors.New("upstream rate limited")
	ErrNoResults    = errors.New("upstream returned no results")
	ErrProviderSide = errors.New("upstream provider-side failure")
	ErrBadPayload   = errors.New("upstream payload malformed")
)

// APIError is a non-2xx answer (or an error envelope) from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests || matchesRateLimitMessage(e.Message)
	case ErrNoResults:
		return e.StatusCode == http.StatusNotFound
	case ErrProviderSide:
		return e.StatusCode >= 500
	}
	return false
}

// IsRateLimited recognizes rate limiting by status code or by message pattern,
// since some providers answer 200 with an error envelope.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	return matchesRateLimitMessage(err.Error())
}

func matchesRateLimitMessage(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "retry later") ||
		strings.Contains(lower, "429")
}

// isTransientError reports network failures that may succeed on retry.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "deadline exceeded") ||
		strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "connection refused")
}

func isTimeoutLikeError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "timeout") || strings.Contains(value, "deadline exceeded")
}

// statusLabel buckets an error for metrics and health bookkeeping.
func statusLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNoResults):
		return "empty"
	case IsRateLimited(err):
		return "rate_limited"
	case isTimeoutLikeError(err):
		return "timeout"
	default:
		return "error"
	}
}
