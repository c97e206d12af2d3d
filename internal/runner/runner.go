// Package runner executes one harvest run across the configured sources.
package runner

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/normafeed/fetchkit/internal/fetch"
)

// Source is one configured listing URL plus its strategy.
type Source struct {
	Name     string
	URL      string
	Strategy fetch.RequestStrategy
}

// FetchClient is the orchestrated fetch contract the runner drives.
type FetchClient interface {
	Fetch(ctx context.Context, url string, strategy fetch.RequestStrategy) (fetch.FetchResult, error)
}

// Failure describes one unresolved fetch for the run report.
type Failure struct {
	Source   string
	Host     string
	URL      string
	Err      string
	Attempts int
}

// Report summarizes a run.
type Report struct {
	RunID     string
	Started   time.Time
	Finished  time.Time
	Succeeded int
	Failed    int
	FromCache int
	Failures  []Failure
}

// Runner fans sources out across distinct hosts with bounded parallelism.
// All sources sharing a host run strictly sequentially so cookie and
// validator state stays consistent.
type Runner struct {
	client      FetchClient
	store       fetch.StateStore
	parallelism int
	clock       fetch.Clock
	logger      *zap.Logger
}

// New constructs a Runner.
func New(client FetchClient, store fetch.StateStore, parallelism int, clock fetch.Clock, logger *zap.Logger) *Runner {
	if parallelism <= 0 {
		parallelism = 1
	}
	if clock == nil {
		clock = fetch.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		client:      client,
		store:       store,
		parallelism: parallelism,
		clock:       clock,
		logger:      logger,
	}
}

// Run fetches every source, grouping by host. A canceled context aborts
// in-flight hosts but accumulated host state is still flushed; per-host
// failures never stop the other hosts.
func (r *Runner) Run(ctx context.Context, sources []Source) Report {
	report := Report{
		RunID:   uuid.NewString(),
		Started: r.clock.Now(),
	}
	r.logger.Info("run started",
		zap.String("run_id", report.RunID),
		zap.Int("sources", len(sources)),
		zap.Int("parallelism", r.parallelism),
	)

	batches := groupByHost(sources)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = make(chan struct{}, r.parallelism)
	)
	for _, batch := range batches {
		wg.Add(1)
		go func(batch hostBatch) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			results := r.processHost(ctx, batch)

			mu.Lock()
			report.Succeeded += results.succeeded
			report.Failed += results.failed
			report.FromCache += results.fromCache
			report.Failures = append(report.Failures, results.failures...)
			mu.Unlock()
		}(batch)
	}
	wg.Wait()

	if err := r.store.Flush(); err != nil {
		r.logger.Error("final state flush failed", zap.Error(err))
	}

	report.Finished = r.clock.Now()
	r.logger.Info("run finished",
		zap.String("run_id", report.RunID),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("from_cache", report.FromCache),
	)
	return report
}

type hostBatch struct {
	host    string
	sources []Source
}

type hostResults struct {
	succeeded int
	failed    int
	fromCache int
	failures  []Failure
}

// processHost runs a host's sources one after another and flushes the
// host's state when the batch ends, aborted or not.
func (r *Runner) processHost(ctx context.Context, batch hostBatch) hostResults {
	var results hostResults
	defer func() {
		if err := r.store.Flush(); err != nil {
			r.logger.Error("host state flush failed",
				zap.String("host", batch.host),
				zap.Error(err),
			)
		}
	}()

	for _, src := range batch.sources {
		if ctx.Err() != nil {
			r.logger.Warn("host batch aborted",
				zap.String("host", batch.host),
				zap.String("source", src.Name),
			)
			return results
		}

		result, err := r.client.Fetch(ctx, src.URL, src.Strategy)
		if err != nil {
			results.failed++
			results.failures = append(results.failures, failureFrom(src, batch.host, err))
			r.logger.Error("fetch unresolved",
				zap.String("source", src.Name),
				zap.String("host", batch.host),
				zap.String("url", src.URL),
				zap.Error(err),
			)
			continue
		}

		results.succeeded++
		if result.FromCache {
			results.fromCache++
		}
		r.logger.Info("fetch resolved",
			zap.String("source", src.Name),
			zap.String("url", src.URL),
			zap.Int("status", result.StatusCode),
			zap.String("decision", string(result.Decision)),
			zap.Bool("from_cache", result.FromCache),
			zap.Int("attempts", result.Attempts),
		)
	}
	return results
}

func failureFrom(src Source, host string, err error) Failure {
	failure := Failure{
		Source: src.Name,
		Host:   host,
		URL:    src.URL,
		Err:    err.Error(),
	}
	var exhausted *fetch.ExhaustedError
	if errors.As(err, &exhausted) {
		failure.Attempts = len(exhausted.Attempts)
	}
	return failure
}

// groupByHost partitions the sources by host, preserving order within a
// host and across first appearances.
func groupByHost(sources []Source) []hostBatch {
	index := make(map[string]int)
	var batches []hostBatch
	for _, src := range sources {
		host := hostOf(src.URL)
		i, ok := index[host]
		if !ok {
			i = len(batches)
			index[host] = i
			batches = append(batches, hostBatch{host: host})
		}
		batches[i].sources = append(batches[i].sources, src)
	}
	return batches
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return raw
	}
	return u.Hostname()
}
