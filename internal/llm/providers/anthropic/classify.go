package anthropicprovider

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"

	"pigo/internal/llm/core"
)

// classifyProviderError wraps SDK failures with the canonical markers that
// upstream retry and compaction logic dispatch on.
func classifyProviderError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if isOverflowAPIError(apiErr) {
			return core.MarkContextOverflow(err)
		}
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError {
			retryable := core.MarkRetryable(err)
			if delay, ok := retryAfterDelay(apiErr); ok {
				return core.MarkRetryDelay(retryable, delay)
			}
			return retryable
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return core.MarkRetryable(err)
	}
	return err
}

// isOverflowAPIError detects the Messages API rejection for oversized prompts.
func isOverflowAPIError(apiErr *anthropic.Error) bool {
	if apiErr.StatusCode != http.StatusBadRequest {
		return false
	}
	message := strings.ToLower(apiErr.Error())
	return strings.Contains(message, "prompt is too long") ||
		strings.Contains(message, "exceed context limit") ||
		strings.Contains(message, "input length and `max_tokens` exceed")
}

// retryAfterDelay extracts a provider-requested delay from the Retry-After header.
func retryAfterDelay(apiErr *anthropic.Error) (time.Duration, bool) {
	if apiErr.Response == nil {
		return 0, false
	}
	value := strings.TrimSpace(apiErr.Response.Header.Get("Retry-After"))
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		if delay := time.Until(at); delay > 0 {
			return delay, true
		}
	}
	return 0, false
}
