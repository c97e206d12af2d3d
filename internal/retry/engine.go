// Package retry implements the attempt loop with exponential backoff,
// proxy rotation, session reset, and warmup triggering.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/normafeed/fetchkit/internal/fetch"
	"github.com/normafeed/fetchkit/internal/telemetry"
)

// AttemptFunc executes one raw HTTP try using the selected proxy.
type AttemptFunc func(ctx context.Context, proxy string) (fetch.AttemptResponse, error)

// Engine drives the retry loop for one fetch call.
type Engine struct {
	matcher *fetch.CookieMatcher
	warmer  fetch.Warmer
	clock   fetch.Clock
	logger  *zap.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max float64) float64
}

// New constructs an Engine. The warmer may be nil when no source configures
// a warmup.
func New(matcher *fetch.CookieMatcher, warmer fetch.Warmer, clock fetch.Clock, logger *zap.Logger) *Engine {
	if matcher == nil {
		matcher = fetch.NewCookieMatcher()
	}
	if clock == nil {
		clock = fetch.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		matcher: matcher,
		warmer:  warmer,
		clock:   clock,
		logger:  logger,
		sleep:   contextSleep,
		jitter:  func(max float64) float64 { return rand.Float64() * max },
	}
}

// Execute runs up to strategy.MaxAttempts tries of attemptFn. It owns the
// host state for the duration of the call: cookies observed on any attempt
// are merged, the proxy cursor advances once per retryable failure, and the
// failure streak is updated when the call exhausts its attempts.
func (e *Engine) Execute(
	ctx context.Context,
	state *fetch.HostState,
	strategy fetch.RequestStrategy,
	url string,
	attemptFn AttemptFunc,
) (fetch.AttemptResponse, []fetch.Attempt, error) {
	maxAttempts := strategy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var (
		attempts    []fetch.Attempt
		lastStatus  int
		lastErr     error
		warmupTried bool
	)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fetch.AttemptResponse{}, attempts, fmt.Errorf("fetch canceled: %w", err)
		}

		proxy := currentProxy(state, strategy)
		resp, err := attemptFn(ctx, proxy)

		record := fetch.Attempt{
			URL:     url,
			Proxy:   proxy,
			Elapsed: resp.Elapsed,
		}
		if err != nil {
			record.Err = err.Error()
		} else {
			record.StatusCode = resp.StatusCode
			record.SawProtectionCookie = e.matcher.MatchAny(resp.Cookies)
			if strategy.CaptureCookies {
				state.MergeCookies(resp.Cookies)
			}
			telemetry.ObserveAttempt(state.Host, resp.Elapsed)
		}
		attempts = append(attempts, record)

		switch {
		case err == nil && successStatus(resp.StatusCode):
			return resp, attempts, nil

		case err == nil && strategy.RetryableStatus(resp.StatusCode):
			lastStatus = resp.StatusCode
			lastErr = nil

		case err == nil:
			// Status outside both the success range and the configured
			// retry set is fatal for this fetch.
			return resp, attempts, &fetch.StatusError{URL: url, StatusCode: resp.StatusCode}

		case fetch.RetryableError(err):
			lastErr = err
			lastStatus = 0

		default:
			return fetch.AttemptResponse{}, attempts, err
		}

		if attempt == maxAttempts {
			break
		}

		e.prepareRetry(state, strategy)
		telemetry.ObserveRetry(state.Host)

		// The warmer runs at most once per fetch call. Hosts that still
		// reject after a fresh protection cookie will not yield to a
		// second warmup either.
		warmed := false
		if lastStatus != 0 && !warmupTried && strategy.Warmup != nil && e.warmer != nil {
			warmupTried = true
			result := e.warmer.Warm(ctx, state, strategy, url)
			warmed = result.Success
			e.logger.Debug("warmup between attempts",
				zap.String("host", state.Host),
				zap.Bool("success", result.Success),
				zap.Int("status", result.StatusCode),
			)
		}
		if warmed {
			continue
		}

		delay := e.backoffDelay(strategy, attempt)
		if lastStatus == http.StatusTooManyRequests {
			if server := retryAfter(resp.Headers, e.clock.Now()); server > delay {
				delay = server
			}
		}
		if err := e.sleep(ctx, delay); err != nil {
			return fetch.AttemptResponse{}, attempts, fmt.Errorf("backoff wait: %w", err)
		}
	}

	exhausted := &fetch.ExhaustedError{
		Host:       state.Host,
		URL:        url,
		Attempts:   attempts,
		LastStatus: lastStatus,
		LastErr:    lastErr,
	}
	state.RecordExhausted(exhausted.Error())
	return fetch.AttemptResponse{}, attempts, exhausted
}

// prepareRetry resets the host session and rotates the proxy cursor before
// the next attempt.
func (e *Engine) prepareRetry(state *fetch.HostState, strategy fetch.RequestStrategy) {
	state.ResetSession(e.matcher, e.clock.Now())
	if n := len(strategy.Proxies); n > 0 {
		state.ProxyIndex = (state.ProxyIndex + 1) % n
	}
}

// backoffDelay computes backoff_factor * 2^(attempt-1) seconds plus random
// jitter in [0, backoff_factor).
func (e *Engine) backoffDelay(strategy fetch.RequestStrategy, failedAttempt int) time.Duration {
	factor := strategy.BackoffFactor
	if factor <= 0 {
		return 0
	}
	seconds := factor*math.Pow(2, float64(failedAttempt-1)) + e.jitter(factor)
	return time.Duration(seconds * float64(time.Second))
}

func currentProxy(state *fetch.HostState, strategy fetch.RequestStrategy) string {
	n := len(strategy.Proxies)
	if n == 0 {
		return ""
	}
	idx := state.ProxyIndex % n
	if idx < 0 {
		idx = 0
	}
	return strategy.Proxies[idx]
}

func successStatus(code int) bool {
	return (code >= 200 && code < 300) || code == http.StatusNotModified
}

// retryAfter parses a Retry-After header as delta-seconds or an HTTP date.
func retryAfter(headers http.Header, now time.Time) time.Duration {
	value := headers.Get("Retry-After")
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func contextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
