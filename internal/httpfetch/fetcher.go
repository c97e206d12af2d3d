// Package httpfetch implements the plain-HTTP attempt layer using Colly.
package httpfetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/normafeed/fetchkit/internal/fetch"
)

// DefaultUserAgent imitates a desktop browser; several sources serve
// challenge pages to anything else.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

var defaultHeaders = map[string]string{
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
	"Accept-Language": "ru,en;q=0.9",
	"Connection":      "keep-alive",
}

// Config controls the attempt fetcher.
type Config struct {
	UserAgent string
}

// Fetcher implements fetch.AttemptFetcher using the Colly collector.
type Fetcher struct {
	cfg Config
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	return &Fetcher{cfg: cfg}
}

// Do executes a single HTTP GET. A response with any status code is
// returned as an AttemptResponse; only transport-level failures surface as
// errors. Retry decisions belong to the caller.
func (f *Fetcher) Do(ctx context.Context, req fetch.AttemptRequest) (fetch.AttemptResponse, error) {
	collector := colly.NewCollector(colly.Async(false))
	collector.IgnoreRobotsTxt = true
	collector.AllowURLRevisit = true
	collector.UserAgent = f.userAgent(req)

	timeout := req.ReadTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	transport, err := newHTTPTransport(req.Proxy, req.ConnectTimeout)
	if err != nil {
		return fetch.AttemptResponse{}, err
	}
	collector.WithTransport(transport)

	var (
		result   fetch.AttemptResponse
		fetchErr error
	)
	start := time.Now()

	collector.OnRequest(func(r *colly.Request) {
		for key, value := range defaultHeaders {
			if r.Headers.Get(key) == "" {
				r.Headers.Set(key, value)
			}
		}
		for key, values := range req.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	collector.OnResponse(func(r *colly.Response) {
		result = responseFromColly(r)
	})

	collector.OnError(func(r *colly.Response, err error) {
		// Colly reports non-2xx statuses here; a populated status means we
		// did get a response and the caller classifies it.
		if r != nil && r.StatusCode > 0 {
			result = responseFromColly(r)
			return
		}
		fetchErr = err
	})

	visitErr := runCollector(ctx, collector, req.URL)
	switch {
	case fetchErr != nil:
		return fetch.AttemptResponse{}, fmt.Errorf("http attempt %s: %w", req.URL, fetchErr)
	case result.StatusCode == 0 && visitErr != nil:
		return fetch.AttemptResponse{}, visitErr
	}

	result.Elapsed = time.Since(start)
	result.Cookies = fetch.CookiesFromResponse(result.Headers)
	return result, nil
}

func (f *Fetcher) userAgent(req fetch.AttemptRequest) string {
	switch {
	case req.UserAgent != "":
		return req.UserAgent
	case f.cfg.UserAgent != "":
		return f.cfg.UserAgent
	default:
		return DefaultUserAgent
	}
}

func responseFromColly(r *colly.Response) fetch.AttemptResponse {
	headers := http.Header{}
	if r.Headers != nil {
		headers = r.Headers.Clone()
	}
	return fetch.AttemptResponse{
		URL:        r.Request.URL.String(),
		StatusCode: r.StatusCode,
		Headers:    headers,
		Body:       append([]byte(nil), r.Body...),
	}
}

func runCollector(ctx context.Context, collector *colly.Collector, target string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("attempt canceled: %w", ctx.Err())
	case err := <-done:
		// Visit reports non-2xx statuses as errors too; the OnError hook
		// captures those with a populated response, so the error here only
		// matters when no response arrived at all.
		if err != nil {
			return fmt.Errorf("http attempt %s: %w", target, err)
		}
		return nil
	}
}

func newHTTPTransport(proxy string, connectTimeout time.Duration) (*http.Transport, error) {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy %q: %w", proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return transport, nil
}
