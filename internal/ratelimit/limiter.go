// Package ratelimit enforces minimum spacing between requests to the same
// host. Hosts never throttle each other; there is no global limiter.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/normafeed/fetchkit/internal/telemetry"
)

// Config holds limiter configuration.
type Config struct {
	// DefaultInterval applies to hosts without an explicit override.
	DefaultInterval time.Duration
	// PerHost maps a host to its minimum inter-request interval.
	PerHost map[string]time.Duration
}

// Limiter manages one token bucket per host.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	cfg      Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	if cfg.DefaultInterval < 0 {
		cfg.DefaultInterval = 0
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		cfg:      cfg,
		now:      time.Now,
		sleep:    contextSleep,
	}
}

// Acquire suspends the caller until the host's minimum inter-request
// interval has elapsed since the previous request.
func (l *Limiter) Acquire(ctx context.Context, host string) error {
	if host == "" {
		return fmt.Errorf("host is required")
	}
	limiter := l.hostLimiter(host)

	now := l.now()
	reservation := limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return fmt.Errorf("rate limiter cannot grant request for %s", host)
	}
	delay := reservation.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	telemetry.ObserveRateLimitDelay(host, delay)
	if err := l.sleep(ctx, delay); err != nil {
		reservation.CancelAt(l.now())
		return fmt.Errorf("rate limit wait for %s: %w", host, err)
	}
	return nil
}

func (l *Limiter) hostLimiter(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.intervalLimit(host), 1)
		l.limiters[host] = limiter
	}
	return limiter
}

func (l *Limiter) intervalLimit(host string) rate.Limit {
	interval := l.cfg.DefaultInterval
	if override, ok := l.cfg.PerHost[host]; ok {
		interval = override
	}
	if interval <= 0 {
		return rate.Inf
	}
	return rate.Every(interval)
}

func contextSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
