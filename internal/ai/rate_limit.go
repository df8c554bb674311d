package ai

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/liushuangls/go-anthropic/v2"
)

const (
	// rateLimitBaseBackoff is the first wait after a rate-limit error. Anthropic
	// token limits reset per minute.
	rateLimitBaseBackoff = 60 * time.Second

	// rateLimitMaxBackoff caps every wait of the triage retry policy.
	rateLimitMaxBackoff = 120 * time.Second
)

// isRateLimitError detects rate-limit errors from the Anthropic SDK, an HTTP
// status or the error text.
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *anthropic.APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRateLimitErr()
	}

	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "rate_limit_error") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "too many requests")
}

// isOverloadedError detects overload errors, which are treated like rate limits.
func isOverloadedError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *anthropic.APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsOverloadedErr()
	}

	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusServiceUnavailable
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "overloaded") ||
		strings.Contains(errStr, "503")
}

// getBackoffDuration is the retry.Policy Backoff of the triage providers.
// Rate-limit and overload errors wait 60s per attempt up to 120s; anything
// else waits 2^attempt seconds.
func getBackoffDuration(attempt int, err error) time.Duration {
	if isRateLimitError(err) || isOverloadedError(err) {
		backoff := rateLimitBaseBackoff * time.Duration(attempt)
		if backoff > rateLimitMaxBackoff {
			return rateLimitMaxBackoff
		}
		return backoff
	}

	return time.Duration(1<<attempt) * time.Second
}
