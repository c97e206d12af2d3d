package fetch

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoBinary signals that no headless browser binary could be located.
// It is non-retryable; callers fall back to cached content or skip.
var ErrNoBinary = errors.New("no browser binary available")

// StatusError is an HTTP response outside the success range. It is
// retryable only when the strategy lists the status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d for %s", e.StatusCode, e.URL)
}

// ExhaustedError reports that every attempt for one fetch call failed.
// It carries the full attempt history for logging; the caller decides
// whether to fall back to cached content.
type ExhaustedError struct {
	Host       string
	URL        string
	Attempts   []Attempt
	LastStatus int
	LastErr    error
}

func (e *ExhaustedError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Host, len(e.Attempts), e.LastErr)
	}
	return fmt.Sprintf("%s: retries exhausted after %d attempts, last status %d", e.Host, len(e.Attempts), e.LastStatus)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// RetryableError reports whether a transport-level error is worth another
// attempt. Status handling is separate; see RequestStrategy.RetryableStatus.
func RetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrNoBinary) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return false
	}
	return true
}
