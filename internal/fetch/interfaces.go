package fetch

import (
	"context"
	"time"
)

// StateStore persists per-host acquisition state across runs.
type StateStore interface {
	// Load returns the state for a host, creating an empty one if absent.
	// Corrupt persisted state is discarded and reinitialized, never fatal.
	Load(host string) (*HostState, error)
	// Save persists a host's state durably. Implementations must not
	// corrupt previously saved state on a crash mid-write.
	Save(host string, state *HostState) error
	// RecordDecision notes how the last fetch for a host was resolved.
	RecordDecision(host string, kind DecisionKind)
	// Flush writes all dirty state, called after each host batch and at
	// shutdown.
	Flush() error
}

// PageCache stores the last good body per URL for 304 reuse and graceful
// degradation after exhausted retries.
type PageCache interface {
	Get(url string) (CacheEntry, bool, error)
	Put(entry CacheEntry) error
}

// Limiter enforces minimum spacing between requests to the same host.
type Limiter interface {
	Acquire(ctx context.Context, host string) error
}

// AttemptFetcher executes one raw HTTP attempt.
type AttemptFetcher interface {
	Do(ctx context.Context, req AttemptRequest) (AttemptResponse, error)
}

// Warmer performs the optional priming request before real traffic.
type Warmer interface {
	Warm(ctx context.Context, state *HostState, strategy RequestStrategy, fallbackURL string) WarmupResult
}

// Renderer is the last-resort headless rendering path.
type Renderer interface {
	Render(ctx context.Context, url string, strategy RequestStrategy) ([]byte, []Cookie, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// SystemClock is the default wall clock.
type SystemClock struct{}

// Now returns the current wall time.
func (SystemClock) Now() time.Time { return time.Now() }
