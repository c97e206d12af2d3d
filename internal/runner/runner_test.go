package runner

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/normafeed/fetchkit/internal/fetch"
	"github.com/normafeed/fetchkit/internal/hoststate"
)

type stubClient struct {
	mu      sync.Mutex
	results map[string]fetch.FetchResult
	errs    map[string]error
	order   []string
}

func (c *stubClient) Fetch(_ context.Context, url string, _ fetch.RequestStrategy) (fetch.FetchResult, error) {
	c.mu.Lock()
	c.order = append(c.order, url)
	c.mu.Unlock()
	if err, ok := c.errs[url]; ok {
		return fetch.FetchResult{}, err
	}
	if result, ok := c.results[url]; ok {
		return result, nil
	}
	return fetch.FetchResult{URL: url, StatusCode: 200}, nil
}

func testStore(t *testing.T) *hoststate.Store {
	t.Helper()
	store, err := hoststate.New(filepath.Join(t.TempDir(), "state.json"), zap.NewNop())
	require.NoError(t, err)
	return store
}

func TestRunReportsOutcomes(t *testing.T) {
	t.Parallel()

	client := &stubClient{
		results: map[string]fetch.FetchResult{
			"https://a.example/cached": {StatusCode: 200, FromCache: true, Decision: fetch.DecisionCacheReuse},
		},
		errs: map[string]error{
			"https://b.example/fails": &fetch.ExhaustedError{
				Host:     "b.example",
				URL:      "https://b.example/fails",
				Attempts: make([]fetch.Attempt, 3),
			},
		},
	}
	r := New(client, testStore(t), 2, nil, zap.NewNop())

	report := r.Run(context.Background(), []Source{
		{Name: "a-ok", URL: "https://a.example/ok"},
		{Name: "a-cached", URL: "https://a.example/cached"},
		{Name: "b-fails", URL: "https://b.example/fails"},
	})

	require.NotEmpty(t, report.RunID)
	require.Equal(t, 2, report.Succeeded)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, 1, report.FromCache)
	require.Len(t, report.Failures, 1)
	require.Equal(t, "b-fails", report.Failures[0].Source)
	require.Equal(t, "b.example", report.Failures[0].Host)
	require.Equal(t, 3, report.Failures[0].Attempts, "attempt count lifted from the exhaustion error")
}

func TestRunKeepsHostOrderSequential(t *testing.T) {
	t.Parallel()

	client := &stubClient{}
	r := New(client, testStore(t), 8, nil, zap.NewNop())

	sources := []Source{
		{Name: "one", URL: "https://only.example/1"},
		{Name: "two", URL: "https://only.example/2"},
		{Name: "three", URL: "https://only.example/3"},
	}
	report := r.Run(context.Background(), sources)

	require.Equal(t, 3, report.Succeeded)
	require.Equal(t, []string{
		"https://only.example/1",
		"https://only.example/2",
		"https://only.example/3",
	}, client.order, "same-host sources run in configured order")
}

func TestRunFailureDoesNotStopOtherSources(t *testing.T) {
	t.Parallel()

	client := &stubClient{errs: map[string]error{
		"https://x.example/1": errors.New("boom"),
	}}
	r := New(client, testStore(t), 1, nil, zap.NewNop())

	report := r.Run(context.Background(), []Source{
		{Name: "bad", URL: "https://x.example/1"},
		{Name: "good-same-host", URL: "https://x.example/2"},
		{Name: "good-other-host", URL: "https://y.example/1"},
	})

	require.Equal(t, 2, report.Succeeded)
	require.Equal(t, 1, report.Failed)
}

func TestRunCanceledContextAborts(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &stubClient{}
	r := New(client, testStore(t), 2, nil, zap.NewNop())

	report := r.Run(ctx, []Source{
		{Name: "a", URL: "https://a.example/1"},
		{Name: "b", URL: "https://b.example/1"},
	})

	require.Zero(t, report.Succeeded)
	require.Zero(t, report.Failed, "aborted sources are not failures")
}

func TestGroupByHostPreservesFirstAppearance(t *testing.T) {
	t.Parallel()

	batches := groupByHost([]Source{
		{URL: "https://a.example/1"},
		{URL: "https://b.example/1"},
		{URL: "https://a.example/2"},
	})

	require.Len(t, batches, 2)
	require.Equal(t, "a.example", batches[0].host)
	require.Len(t, batches[0].sources, 2)
	require.Equal(t, "b.example", batches[1].host)
}
