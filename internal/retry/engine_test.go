package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/normafeed/fetchkit/internal/fetch"
)

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

type stubWarmer struct {
	calls   int
	success bool
}

func (w *stubWarmer) Warm(_ context.Context, state *fetch.HostState, _ fetch.RequestStrategy, _ string) fetch.WarmupResult {
	w.calls++
	if w.success {
		state.WarmupDone = true
		return fetch.WarmupResult{Success: true, Decision: fetch.DecisionHTTP, StatusCode: 403}
	}
	return fetch.WarmupResult{Decision: fetch.DecisionNone, StatusCode: 403}
}

// testEngine returns an engine whose backoff never sleeps and whose jitter
// is zero, recording every requested delay.
func testEngine(warmer fetch.Warmer) (*Engine, *[]time.Duration) {
	e := New(fetch.NewCookieMatcher(), warmer, fixedClock{at: time.Unix(1700000000, 0).UTC()}, zap.NewNop())
	delays := &[]time.Duration{}
	e.sleep = func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	e.jitter = func(float64) float64 { return 0 }
	return e, delays
}

func strategyWith(attempts int, statuses ...int) fetch.RequestStrategy {
	s := fetch.DefaultStrategy()
	s.MaxAttempts = attempts
	s.RetryStatuses = statuses
	return s
}

func TestExecuteSucceedsFirstAttempt(t *testing.T) {
	t.Parallel()

	e, delays := testEngine(nil)
	state := fetch.NewHostState("example.com")

	resp, attempts, err := e.Execute(context.Background(), state, strategyWith(3, 403), "https://example.com/", func(context.Context, string) (fetch.AttemptResponse, error) {
		return fetch.AttemptResponse{StatusCode: 200, Body: []byte("ok")}, nil
	})

	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Len(t, attempts, 1)
	require.Empty(t, *delays)
}

func TestExecuteTreats304AsSuccess(t *testing.T) {
	t.Parallel()

	e, _ := testEngine(nil)
	state := fetch.NewHostState("example.com")

	resp, _, err := e.Execute(context.Background(), state, strategyWith(3), "https://example.com/", func(context.Context, string) (fetch.AttemptResponse, error) {
		return fetch.AttemptResponse{StatusCode: http.StatusNotModified}, nil
	})

	require.NoError(t, err)
	require.Equal(t, http.StatusNotModified, resp.StatusCode)
}

func TestExecuteRetriesConfiguredStatusThenSucceeds(t *testing.T) {
	t.Parallel()

	e, delays := testEngine(nil)
	state := fetch.NewHostState("example.com")

	calls := 0
	resp, attempts, err := e.Execute(context.Background(), state, strategyWith(3, 403), "https://example.com/", func(context.Context, string) (fetch.AttemptResponse, error) {
		calls++
		if calls < 3 {
			return fetch.AttemptResponse{StatusCode: 403}, nil
		}
		return fetch.AttemptResponse{StatusCode: 200}, nil
	})

	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Len(t, attempts, 3)

	// backoff_factor * 2^(n-1) with zero jitter
	require.Equal(t, []time.Duration{
		1500 * time.Millisecond,
		3 * time.Second,
	}, *delays)
}

func TestExecuteExhaustsAttempts(t *testing.T) {
	t.Parallel()

	e, _ := testEngine(nil)
	state := fetch.NewHostState("example.com")

	_, attempts, err := e.Execute(context.Background(), state, strategyWith(3, 403), "https://example.com/", func(context.Context, string) (fetch.AttemptResponse, error) {
		return fetch.AttemptResponse{StatusCode: 403}, nil
	})

	var exhausted *fetch.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 403, exhausted.LastStatus)
	require.Len(t, attempts, 3)
	require.Equal(t, 1, state.Stats.ConsecutiveFailures)
}

func TestExecuteFatalStatusStopsImmediately(t *testing.T) {
	t.Parallel()

	e, _ := testEngine(nil)
	state := fetch.NewHostState("example.com")

	_, attempts, err := e.Execute(context.Background(), state, strategyWith(3, 403), "https://example.com/", func(context.Context, string) (fetch.AttemptResponse, error) {
		return fetch.AttemptResponse{StatusCode: 404}, nil
	})

	var statusErr *fetch.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, 404, statusErr.StatusCode)
	require.Len(t, attempts, 1)
	require.Zero(t, state.Stats.ConsecutiveFailures, "fatal status is not an exhaustion")
}

func TestExecuteRetriesTransportErrors(t *testing.T) {
	t.Parallel()

	e, _ := testEngine(nil)
	state := fetch.NewHostState("example.com")

	calls := 0
	resp, _, err := e.Execute(context.Background(), state, strategyWith(2), "https://example.com/", func(context.Context, string) (fetch.AttemptResponse, error) {
		calls++
		if calls == 1 {
			return fetch.AttemptResponse{}, errors.New("connection reset")
		}
		return fetch.AttemptResponse{StatusCode: 200}, nil
	})

	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, 2, calls)
}

func TestExecuteStopsOnCancellation(t *testing.T) {
	t.Parallel()

	e, _ := testEngine(nil)
	state := fetch.NewHostState("example.com")

	_, _, err := e.Execute(context.Background(), state, strategyWith(3), "https://example.com/", func(context.Context, string) (fetch.AttemptResponse, error) {
		return fetch.AttemptResponse{}, context.Canceled
	})

	require.ErrorIs(t, err, context.Canceled)
}

func TestExecuteRotatesProxies(t *testing.T) {
	t.Parallel()

	e, _ := testEngine(nil)
	state := fetch.NewHostState("example.com")
	strategy := strategyWith(4, 403)
	strategy.Proxies = []string{"http://p1:8080", "http://p2:8080", "http://p3:8080"}

	var seen []string
	_, _, err := e.Execute(context.Background(), state, strategy, "https://example.com/", func(_ context.Context, proxy string) (fetch.AttemptResponse, error) {
		seen = append(seen, proxy)
		return fetch.AttemptResponse{StatusCode: 403}, nil
	})

	var exhausted *fetch.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	// cursor wraps around the pool, one rotation per retryable failure
	require.Equal(t, []string{
		"http://p1:8080",
		"http://p2:8080",
		"http://p3:8080",
		"http://p1:8080",
	}, seen)
}

func TestExecuteProxyCursorPersistsAcrossCalls(t *testing.T) {
	t.Parallel()

	e, _ := testEngine(nil)
	state := fetch.NewHostState("example.com")
	strategy := strategyWith(2, 403)
	strategy.Proxies = []string{"http://p1:8080", "http://p2:8080"}

	_, _, err := e.Execute(context.Background(), state, strategy, "https://example.com/", func(context.Context, string) (fetch.AttemptResponse, error) {
		return fetch.AttemptResponse{StatusCode: 403}, nil
	})
	require.Error(t, err)

	var first string
	_, _, _ = e.Execute(context.Background(), state, strategy, "https://example.com/", func(_ context.Context, proxy string) (fetch.AttemptResponse, error) {
		if first == "" {
			first = proxy
		}
		return fetch.AttemptResponse{StatusCode: 200}, nil
	})
	require.Equal(t, "http://p2:8080", first, "next call resumes at the rotated cursor")
}

func TestExecuteHonorsRetryAfterOn429(t *testing.T) {
	t.Parallel()

	e, delays := testEngine(nil)
	state := fetch.NewHostState("example.com")

	headers := http.Header{}
	headers.Set("Retry-After", "30")

	calls := 0
	_, _, err := e.Execute(context.Background(), state, strategyWith(2, 429), "https://example.com/", func(context.Context, string) (fetch.AttemptResponse, error) {
		calls++
		if calls == 1 {
			return fetch.AttemptResponse{StatusCode: 429, Headers: headers}, nil
		}
		return fetch.AttemptResponse{StatusCode: 200}, nil
	})

	require.NoError(t, err)
	require.Equal(t, []time.Duration{30 * time.Second}, *delays, "server hint above backoff wins")
}

func TestExecuteKeepsBackoffWhenRetryAfterSmaller(t *testing.T) {
	t.Parallel()

	e, delays := testEngine(nil)
	state := fetch.NewHostState("example.com")

	headers := http.Header{}
	headers.Set("Retry-After", "1")

	calls := 0
	_, _, err := e.Execute(context.Background(), state, strategyWith(2, 429), "https://example.com/", func(context.Context, string) (fetch.AttemptResponse, error) {
		calls++
		if calls == 1 {
			return fetch.AttemptResponse{StatusCode: 429, Headers: headers}, nil
		}
		return fetch.AttemptResponse{StatusCode: 200}, nil
	})

	require.NoError(t, err)
	require.Equal(t, []time.Duration{1500 * time.Millisecond}, *delays)
}

func TestExecuteWarmsUpBetweenStatusFailures(t *testing.T) {
	t.Parallel()

	warmer := &stubWarmer{success: true}
	e, delays := testEngine(warmer)
	state := fetch.NewHostState("example.com")

	strategy := strategyWith(2, 403)
	strategy.Warmup = &fetch.WarmupConfig{URL: "https://example.com/"}

	calls := 0
	resp, _, err := e.Execute(context.Background(), state, strategy, "https://example.com/", func(context.Context, string) (fetch.AttemptResponse, error) {
		calls++
		if calls == 1 {
			return fetch.AttemptResponse{StatusCode: 403}, nil
		}
		return fetch.AttemptResponse{StatusCode: 200}, nil
	})

	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, 1, warmer.calls)
	require.Empty(t, *delays, "a successful warmup replaces the backoff wait")
}

func TestExecuteBacksOffWhenWarmupFails(t *testing.T) {
	t.Parallel()

	warmer := &stubWarmer{success: false}
	e, delays := testEngine(warmer)
	state := fetch.NewHostState("example.com")

	strategy := strategyWith(2, 403)
	strategy.Warmup = &fetch.WarmupConfig{URL: "https://example.com/"}

	_, _, err := e.Execute(context.Background(), state, strategy, "https://example.com/", func(context.Context, string) (fetch.AttemptResponse, error) {
		return fetch.AttemptResponse{StatusCode: 403}, nil
	})

	require.Error(t, err)
	require.Equal(t, 1, warmer.calls)
	require.Len(t, *delays, 1)
}

func TestExecuteWarmsUpAtMostOncePerCall(t *testing.T) {
	t.Parallel()

	warmer := &stubWarmer{success: true}
	e, delays := testEngine(warmer)
	state := fetch.NewHostState("example.com")

	strategy := strategyWith(4, 403)
	strategy.Warmup = &fetch.WarmupConfig{URL: "https://example.com/"}

	_, attempts, err := e.Execute(context.Background(), state, strategy, "https://example.com/", func(context.Context, string) (fetch.AttemptResponse, error) {
		return fetch.AttemptResponse{StatusCode: 403}, nil
	})

	require.Error(t, err)
	require.Len(t, attempts, 4)
	require.Equal(t, 1, warmer.calls, "a host still rejecting after a fresh cookie is not warmed again")
	require.Len(t, *delays, 2, "later retries fall back to backoff")
}

func TestExecuteMergesCookiesAndResetsSession(t *testing.T) {
	t.Parallel()

	e, _ := testEngine(nil)
	state := fetch.NewHostState("example.com")

	calls := 0
	_, _, err := e.Execute(context.Background(), state, strategyWith(2, 403), "https://example.com/", func(context.Context, string) (fetch.AttemptResponse, error) {
		calls++
		if calls == 1 {
			return fetch.AttemptResponse{
				StatusCode: 403,
				Cookies: []fetch.Cookie{
					{Name: "sessionid", Value: "s"},
					{Name: "cf_clearance", Value: "tok"},
				},
			}, nil
		}
		return fetch.AttemptResponse{StatusCode: 200}, nil
	})

	require.NoError(t, err)
	// ordinary cookie dropped by the session reset, protection cookie kept
	require.Len(t, state.Cookies, 1)
	require.Equal(t, "cf_clearance", state.Cookies[0].Name)
}
