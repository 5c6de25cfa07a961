package core

import (
	"errors"
	"time"
)

var (
	// ErrInvalidRequest indicates missing or malformed provider request input.
	ErrInvalidRequest = errors.New("invalid llm request")
	// ErrMissingAPIKey indicates missing provider API key.
	ErrMissingAPIKey = errors.New("missing api key")
	// ErrContextOverflow indicates the provider rejected the request because
	// the prompt exceeded the model's context window.
	ErrContextOverflow = errors.New("context window overflow")
)

// overflowError marks a provider error as a context-window rejection.
type overflowError struct {
	err error
}

func (e overflowError) Error() string {
	return e.err.Error()
}

func (e overflowError) Unwrap() error {
	return e.err
}

func (e overflowError) Is(target error) bool {
	return target == ErrContextOverflow
}

// MarkContextOverflow wraps an error so callers can detect overflow rejections.
func MarkContextOverflow(err error) error {
	if err == nil {
		return nil
	}
	return overflowError{err: err}
}

// IsContextOverflow reports whether err was classified as a context overflow.
func IsContextOverflow(err error) bool {
	return errors.Is(err, ErrContextOverflow)
}

// delayedRetryError carries a provider-requested retry delay (e.g. Retry-After).
type delayedRetryError struct {
	err   error
	delay time.Duration
}

func (e delayedRetryError) Error() string {
	return e.err.Error()
}

func (e delayedRetryError) Unwrap() error {
	return e.err
}

// MarkRetryDelay attaches a provider-requested delay to a retryable error.
func MarkRetryDelay(err error, delay time.Duration) error {
	if err == nil {
		return nil
	}
	return delayedRetryError{err: err, delay: delay}
}

// RetryDelayHint returns the provider-requested retry delay, if any.
func RetryDelayHint(err error) (time.Duration, bool) {
	var target delayedRetryError
	if errors.As(err, &target) {
		return target.delay, true
	}
	return 0, false
}
