// Package warmup performs priming requests that acquire anti-bot cookies
// before the request that actually needs to succeed.
package warmup

import (
	"context"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/normafeed/fetchkit/internal/fetch"
	"github.com/normafeed/fetchkit/internal/telemetry"
)

// Controller implements fetch.Warmer.
type Controller struct {
	fetcher fetch.AttemptFetcher
	matcher *fetch.CookieMatcher
	clock   fetch.Clock
	logger  *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64
}

// New constructs a Controller using the given attempt fetcher for the
// priming GET.
func New(fetcher fetch.AttemptFetcher, matcher *fetch.CookieMatcher, clock fetch.Clock, logger *zap.Logger) *Controller {
	if matcher == nil {
		matcher = fetch.NewCookieMatcher()
	}
	if clock == nil {
		clock = fetch.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		fetcher: fetcher,
		matcher: matcher,
		clock:   clock,
		logger:  logger,
		sleep:   contextSleep,
		rand:    rand.Float64,
	}
}

// Warm performs one GET to the warmup URL. The warmup succeeds when any
// response cookie matches the anti-bot pattern set, regardless of HTTP
// status, including 401 and 403. On success the cookies are merged into the
// host state and the controller waits the configured delay before returning
// control.
func (c *Controller) Warm(
	ctx context.Context,
	state *fetch.HostState,
	strategy fetch.RequestStrategy,
	fallbackURL string,
) fetch.WarmupResult {
	cfg := strategy.Warmup
	if cfg == nil {
		return fetch.WarmupResult{Decision: fetch.DecisionNone}
	}

	url := cfg.URL
	if url == "" {
		url = fallbackURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = strategy.Timeout()
	}

	headers := http.Header{}
	for key, value := range strategy.ExtraHeaders {
		headers.Set(key, value)
	}
	if cookie := state.CookieHeader(c.clock.Now()); cookie != "" {
		headers.Set("Cookie", cookie)
	}

	c.logger.Info("warmup request",
		zap.String("host", state.Host),
		zap.String("url", url),
	)
	resp, err := c.fetcher.Do(ctx, fetch.AttemptRequest{
		URL:            url,
		Headers:        headers,
		UserAgent:      strategy.UserAgent,
		ConnectTimeout: strategy.ConnectTimeout,
		ReadTimeout:    timeout,
	})
	if err != nil {
		c.logger.Warn("warmup failed",
			zap.String("host", state.Host),
			zap.Error(err),
		)
		telemetry.ObserveWarmup(state.Host, "error")
		return fetch.WarmupResult{Decision: fetch.DecisionNone, Err: err}
	}

	if !c.matcher.MatchAny(resp.Cookies) {
		c.logger.Warn("warmup returned no protection cookie",
			zap.String("host", state.Host),
			zap.Int("status", resp.StatusCode),
		)
		telemetry.ObserveWarmup(state.Host, "no_cookie")
		return fetch.WarmupResult{Decision: fetch.DecisionNone, StatusCode: resp.StatusCode}
	}

	state.MergeCookies(resp.Cookies)
	telemetry.ObserveWarmup(state.Host, "success")
	if resp.StatusCode >= 400 {
		c.logger.Info("warmup solved protection despite error status",
			zap.String("host", state.Host),
			zap.Int("status", resp.StatusCode),
		)
	}

	// WarmupDone is only set once the warmup completes, so a canceled
	// post-warmup wait does not record as done a warmup the caller was
	// told failed.
	if err := c.sleep(ctx, c.delay(cfg)); err != nil {
		return fetch.WarmupResult{Decision: fetch.DecisionNone, StatusCode: resp.StatusCode, Err: err}
	}
	state.WarmupDone = true
	return fetch.WarmupResult{
		Success:    true,
		Decision:   fetch.DecisionHTTP,
		StatusCode: resp.StatusCode,
	}
}

// delay picks a fixed or uniform-random wait within the configured range.
func (c *Controller) delay(cfg *fetch.WarmupConfig) time.Duration {
	min, max := cfg.DelayMin, cfg.DelayMax
	if max < min {
		max = min
	}
	if max <= 0 {
		return 0
	}
	if max == min {
		return min
	}
	return min + time.Duration(c.rand()*float64(max-min))
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
