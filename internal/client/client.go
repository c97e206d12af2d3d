// Package client composes the rate limiter, host state store, retry
// engine, warmup controller, and headless fallback into the single fetch
// contract consumed by the scraping layer.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/normafeed/fetchkit/internal/fetch"
	"github.com/normafeed/fetchkit/internal/retry"
	"github.com/normafeed/fetchkit/internal/telemetry"
)

// Client implements the fetch(url, strategy) contract.
type Client struct {
	store    fetch.StateStore
	cache    fetch.PageCache
	limiter  fetch.Limiter
	attempts fetch.AttemptFetcher
	engine   *retry.Engine
	warmer   fetch.Warmer
	renderer fetch.Renderer
	matcher  *fetch.CookieMatcher
	clock    fetch.Clock
	logger   *zap.Logger
}

// New constructs a Client. The renderer may be nil when no source enables
// the headless fallback.
func New(
	store fetch.StateStore,
	cache fetch.PageCache,
	limiter fetch.Limiter,
	attempts fetch.AttemptFetcher,
	engine *retry.Engine,
	warmer fetch.Warmer,
	renderer fetch.Renderer,
	matcher *fetch.CookieMatcher,
	clock fetch.Clock,
	logger *zap.Logger,
) *Client {
	if matcher == nil {
		matcher = fetch.NewCookieMatcher()
	}
	if clock == nil {
		clock = fetch.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		store:    store,
		cache:    cache,
		limiter:  limiter,
		attempts: attempts,
		engine:   engine,
		warmer:   warmer,
		renderer: renderer,
		matcher:  matcher,
		clock:    clock,
		logger:   logger,
	}
}

// Fetch acquires one URL under the source's strategy: rate-limit wait,
// host state load, conditional request, retry loop, and the cache or
// headless fallbacks. Host state mutations are persisted before returning,
// including on failure, so partial progress survives an abort.
func (c *Client) Fetch(ctx context.Context, rawURL string, strategy fetch.RequestStrategy) (fetch.FetchResult, error) {
	host, err := hostOf(rawURL)
	if err != nil {
		return fetch.FetchResult{}, err
	}

	if err := c.limiter.Acquire(ctx, host); err != nil {
		return fetch.FetchResult{}, err
	}

	state, err := c.store.Load(host)
	if err != nil {
		return fetch.FetchResult{}, fmt.Errorf("load host state: %w", err)
	}

	c.ensureWarmup(ctx, state, strategy, rawURL)

	resp, attempts, err := c.engine.Execute(ctx, state, strategy, rawURL, func(ctx context.Context, proxy string) (fetch.AttemptResponse, error) {
		return c.attempts.Do(ctx, fetch.AttemptRequest{
			URL:            rawURL,
			Proxy:          proxy,
			Headers:        c.requestHeaders(state, strategy, rawURL),
			UserAgent:      strategy.UserAgent,
			ConnectTimeout: strategy.ConnectTimeout,
			ReadTimeout:    strategy.ReadTimeout,
		})
	})
	if err != nil {
		return c.handleFailure(ctx, host, state, strategy, rawURL, len(attempts), err)
	}

	if resp.StatusCode == http.StatusNotModified {
		return c.reuseCache(host, state, rawURL, len(attempts))
	}

	now := c.clock.Now()
	state.RecordSuccess(now)
	state.LastDecision = fetch.DecisionHTTP

	validators := validatorsFromHeaders(resp.Headers)
	state.SetValidators(rawURL, validators)
	c.cachePut(fetch.CacheEntry{
		URL:        rawURL,
		Validators: validators,
		StatusCode: resp.StatusCode,
		FetchedAt:  now,
		Body:       resp.Body,
	})
	c.saveState(host, state)

	telemetry.ObserveFetch(host, resp.StatusCode, len(resp.Body))
	return fetch.FetchResult{
		URL:        resp.URL,
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		Body:       resp.Body,
		Decision:   fetch.DecisionHTTP,
		Attempts:   len(attempts),
	}, nil
}

// ensureWarmup primes the host once per persisted state lifetime, skipped
// when a recognized protection cookie is already on file.
func (c *Client) ensureWarmup(ctx context.Context, state *fetch.HostState, strategy fetch.RequestStrategy, rawURL string) {
	if strategy.Warmup == nil || c.warmer == nil || state.WarmupDone {
		return
	}
	if c.matcher.MatchAny(state.LiveCookies(c.clock.Now())) {
		c.logger.Debug("warmup skipped, protection cookies on file",
			zap.String("host", state.Host),
		)
		state.WarmupDone = true
		return
	}
	result := c.warmer.Warm(ctx, state, strategy, rawURL)
	if !result.Success {
		c.logger.Warn("initial warmup failed, proceeding to plain attempts",
			zap.String("host", state.Host),
			zap.Int("status", result.StatusCode),
			zap.Error(result.Err),
		)
	}
}

// handleFailure runs the headless fallback when configured, then degrades
// to cached content, and always flushes the host state mutations that
// happened before the failure.
func (c *Client) handleFailure(
	ctx context.Context,
	host string,
	state *fetch.HostState,
	strategy fetch.RequestStrategy,
	rawURL string,
	attemptCount int,
	fetchErr error,
) (fetch.FetchResult, error) {
	var exhausted *fetch.ExhaustedError
	isExhausted := errors.As(fetchErr, &exhausted)

	if isExhausted && strategy.HeadlessFallback && c.renderer != nil {
		body, cookies, renderErr := c.renderer.Render(ctx, rawURL, strategy)
		if renderErr == nil {
			now := c.clock.Now()
			if strategy.CaptureCookies {
				state.MergeCookies(cookies)
			}
			state.RecordSuccess(now)
			state.LastDecision = fetch.DecisionHeadless
			c.cachePut(fetch.CacheEntry{
				URL:        rawURL,
				StatusCode: http.StatusOK,
				FetchedAt:  now,
				Body:       body,
			})
			c.saveState(host, state)
			telemetry.ObserveFetch(host, http.StatusOK, len(body))
			return fetch.FetchResult{
				URL:        rawURL,
				StatusCode: http.StatusOK,
				Body:       body,
				Decision:   fetch.DecisionHeadless,
				Attempts:   attemptCount,
			}, nil
		}
		c.logger.Warn("headless fallback failed",
			zap.String("host", host),
			zap.String("url", rawURL),
			zap.Error(renderErr),
		)
		if errors.Is(renderErr, fetch.ErrNoBinary) {
			fetchErr = renderErr
		}
	}

	if isExhausted || errors.Is(fetchErr, fetch.ErrNoBinary) {
		if entry, ok := c.cacheGet(rawURL); ok {
			c.logger.Info("serving cached content after failed fetch",
				zap.String("host", host),
				zap.String("url", rawURL),
				zap.Error(fetchErr),
			)
			c.saveState(host, state)
			c.store.RecordDecision(host, fetch.DecisionCacheReuse)
			telemetry.ObserveCacheReuse(host)
			return fetch.FetchResult{
				URL:        rawURL,
				StatusCode: entry.StatusCode,
				Body:       entry.Body,
				FromCache:  true,
				Decision:   fetch.DecisionCacheReuse,
				Attempts:   attemptCount,
			}, nil
		}
	}

	c.saveState(host, state)
	return fetch.FetchResult{}, fetchErr
}

// reuseCache answers a 304 with the previously stored entry.
func (c *Client) reuseCache(host string, state *fetch.HostState, rawURL string, attemptCount int) (fetch.FetchResult, error) {
	now := c.clock.Now()
	state.RecordSuccess(now)

	entry, ok := c.cacheGet(rawURL)
	if !ok {
		// Validators promised content we no longer hold; drop them so the
		// next fetch is unconditional.
		delete(state.Validators, rawURL)
		c.saveState(host, state)
		return fetch.FetchResult{}, fmt.Errorf("304 for %s but no cached entry", rawURL)
	}

	state.LastDecision = fetch.DecisionCacheReuse
	c.saveState(host, state)
	telemetry.ObserveCacheReuse(host)
	return fetch.FetchResult{
		URL:        rawURL,
		StatusCode: entry.StatusCode,
		Body:       entry.Body,
		FromCache:  true,
		Decision:   fetch.DecisionCacheReuse,
		Attempts:   attemptCount,
	}, nil
}

func (c *Client) requestHeaders(state *fetch.HostState, strategy fetch.RequestStrategy, rawURL string) http.Header {
	headers := http.Header{}
	for key, value := range strategy.ExtraHeaders {
		headers.Set(key, value)
	}
	if cookie := state.CookieHeader(c.clock.Now()); cookie != "" {
		headers.Set("Cookie", cookie)
	}
	validators := state.ValidatorsFor(rawURL)
	if validators.ETag != "" {
		headers.Set("If-None-Match", validators.ETag)
	}
	if validators.LastModified != "" {
		headers.Set("If-Modified-Since", validators.LastModified)
	}
	return headers
}

func (c *Client) cachePut(entry fetch.CacheEntry) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Put(entry); err != nil {
		c.logger.Warn("cache write failed",
			zap.String("url", entry.URL),
			zap.Error(err),
		)
	}
}

func (c *Client) cacheGet(rawURL string) (fetch.CacheEntry, bool) {
	if c.cache == nil {
		return fetch.CacheEntry{}, false
	}
	entry, ok, err := c.cache.Get(rawURL)
	if err != nil {
		c.logger.Warn("cache read failed",
			zap.String("url", rawURL),
			zap.Error(err),
		)
		return fetch.CacheEntry{}, false
	}
	return entry, ok
}

func (c *Client) saveState(host string, state *fetch.HostState) {
	if err := c.store.Save(host, state); err != nil {
		c.logger.Error("persist host state failed",
			zap.String("host", host),
			zap.Error(err),
		)
	}
}

func validatorsFromHeaders(headers http.Header) fetch.Validators {
	return fetch.Validators{
		ETag:         headers.Get("ETag"),
		LastModified: headers.Get("Last-Modified"),
	}
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	return host, nil
}
