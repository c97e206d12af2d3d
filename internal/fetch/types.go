// Package fetch defines core types shared across the acquisition subsystems.
package fetch

import (
	"net/http"
	"strings"
	"time"
)

// DecisionKind classifies how a successful fetch was ultimately obtained.
type DecisionKind string

// Decision values persisted in host state.
const (
	DecisionNone       DecisionKind = "none"
	DecisionHTTP       DecisionKind = "http"
	DecisionHeadless   DecisionKind = "headless"
	DecisionCacheReuse DecisionKind = "cache_reuse"
)

// Cookie is a persisted response cookie for a host.
type Cookie struct {
	Name    string    `json:"name"`
	Value   string    `json:"value"`
	Domain  string    `json:"domain,omitempty"`
	Path    string    `json:"path,omitempty"`
	Expires time.Time `json:"expires,omitempty"`
	Secure  bool      `json:"secure,omitempty"`
}

// Expired reports whether the cookie has an expiry in the past.
// Session cookies (zero expiry) never expire here.
func (c Cookie) Expired(now time.Time) bool {
	return !c.Expires.IsZero() && c.Expires.Before(now)
}

// Validators holds the conditional-request validators observed for a URL.
type Validators struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

// Empty reports whether no validator is known.
func (v Validators) Empty() bool {
	return v.ETag == "" && v.LastModified == ""
}

// HostStats accumulates failure statistics for a host across runs.
type HostStats struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccessAt       time.Time `json:"last_success_at,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
}

// HostState is the durable per-host acquisition state. One instance exists
// per host and all requests to that host serialize through it.
type HostState struct {
	Host         string                `json:"host"`
	Cookies      []Cookie              `json:"cookies,omitempty"`
	Validators   map[string]Validators `json:"validators,omitempty"`
	Stats        HostStats             `json:"stats"`
	LastDecision DecisionKind          `json:"last_decision,omitempty"`
	ProxyIndex   int                   `json:"proxy_index"`
	WarmupDone   bool                  `json:"warmup_done,omitempty"`
}

// NewHostState creates an empty state for a host.
func NewHostState(host string) *HostState {
	return &HostState{
		Host:         host,
		Validators:   make(map[string]Validators),
		LastDecision: DecisionNone,
	}
}

// LiveCookies returns the cookies that have not expired.
func (s *HostState) LiveCookies(now time.Time) []Cookie {
	out := make([]Cookie, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		if !c.Expired(now) {
			out = append(out, c)
		}
	}
	return out
}

// CookieHeader renders the live cookies as a Cookie request header value.
func (s *HostState) CookieHeader(now time.Time) string {
	live := s.LiveCookies(now)
	pairs := make([]string, 0, len(live))
	for _, c := range live {
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	return strings.Join(pairs, "; ")
}

// MergeCookies folds newly observed cookies into the state, replacing
// same-name entries.
func (s *HostState) MergeCookies(cookies []Cookie) {
	for _, incoming := range cookies {
		replaced := false
		for i, existing := range s.Cookies {
			if existing.Name == incoming.Name {
				s.Cookies[i] = incoming
				replaced = true
				break
			}
		}
		if !replaced {
			s.Cookies = append(s.Cookies, incoming)
		}
	}
}

// ResetSession drops stale and ordinary cookies after a retryable failure.
// Protection cookies survive the reset so a passed challenge is not thrown
// away between attempts.
func (s *HostState) ResetSession(matcher *CookieMatcher, now time.Time) {
	kept := s.Cookies[:0]
	for _, c := range s.Cookies {
		if c.Expired(now) {
			continue
		}
		if matcher != nil && matcher.Match(c.Name) {
			kept = append(kept, c)
		}
	}
	s.Cookies = kept
}

// ValidatorsFor returns the validators recorded for a URL.
func (s *HostState) ValidatorsFor(url string) Validators {
	if s.Validators == nil {
		return Validators{}
	}
	return s.Validators[url]
}

// SetValidators records the validators observed for a URL.
func (s *HostState) SetValidators(url string, v Validators) {
	if v.Empty() {
		return
	}
	if s.Validators == nil {
		s.Validators = make(map[string]Validators)
	}
	s.Validators[url] = v
}

// RecordSuccess resets the failure streak after any successful attempt.
func (s *HostState) RecordSuccess(now time.Time) {
	s.Stats.ConsecutiveFailures = 0
	s.Stats.LastError = ""
	s.Stats.LastSuccessAt = now
}

// RecordExhausted increments the failure streak after a fetch call ran out
// of attempts.
func (s *HostState) RecordExhausted(reason string) {
	s.Stats.ConsecutiveFailures++
	s.Stats.LastError = reason
}

// WarmupConfig describes the optional priming request for a host.
type WarmupConfig struct {
	URL      string        `mapstructure:"url"`
	DelayMin time.Duration `mapstructure:"delay_min"`
	DelayMax time.Duration `mapstructure:"delay_max"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RequestStrategy is the immutable per-source acquisition policy.
type RequestStrategy struct {
	ConnectTimeout   time.Duration     `mapstructure:"connect_timeout"`
	ReadTimeout      time.Duration     `mapstructure:"read_timeout"`
	MaxAttempts      int               `mapstructure:"max_attempts"`
	BackoffFactor    float64           `mapstructure:"backoff_factor"`
	Proxies          []string          `mapstructure:"proxies"`
	RetryStatuses    []int             `mapstructure:"retry_statuses"`
	ExtraHeaders     map[string]string `mapstructure:"extra_headers"`
	Warmup           *WarmupConfig     `mapstructure:"warmup"`
	HeadlessFallback bool              `mapstructure:"headless_fallback"`
	UserAgent        string            `mapstructure:"user_agent"`
	CaptureCookies   bool              `mapstructure:"capture_cookies"`
}

// DefaultStrategy returns the strategy applied to sources without an
// explicit block.
func DefaultStrategy() RequestStrategy {
	return RequestStrategy{
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    30 * time.Second,
		MaxAttempts:    3,
		BackoffFactor:  1.5,
		CaptureCookies: true,
	}
}

// RetryableStatus reports whether the status is configured as retryable.
func (s RequestStrategy) RetryableStatus(code int) bool {
	for _, candidate := range s.RetryStatuses {
		if candidate == code {
			return true
		}
	}
	return false
}

// Timeout returns the overall request timeout, falling back between the
// connect and read values.
func (s RequestStrategy) Timeout() time.Duration {
	switch {
	case s.ReadTimeout > 0:
		return s.ReadTimeout
	case s.ConnectTimeout > 0:
		return s.ConnectTimeout
	default:
		return 30 * time.Second
	}
}

// Attempt records one HTTP try. It only lives long enough to drive the
// retry decision and the exhausted-retries report.
type Attempt struct {
	URL                 string
	Proxy               string
	StatusCode          int
	Err                 string
	Elapsed             time.Duration
	SawProtectionCookie bool
}

// AttemptRequest captures everything a single raw HTTP attempt needs.
type AttemptRequest struct {
	URL            string
	Proxy          string
	Headers        http.Header
	UserAgent      string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// AttemptResponse is the outcome of a single raw HTTP attempt.
type AttemptResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Cookies    []Cookie
	Elapsed    time.Duration
}

// FetchResult is returned to the content-parsing collaborator.
type FetchResult struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	FromCache  bool
	Decision   DecisionKind
	Attempts   int
}

// CacheEntry holds the last good body and validators for a URL so that a
// 304 or a failed refresh does not erase previously collected data.
type CacheEntry struct {
	URL         string    `json:"url"`
	Validators  Validators `json:"validators"`
	Fingerprint string    `json:"fingerprint"`
	StatusCode  int       `json:"status_code"`
	FetchedAt   time.Time `json:"fetched_at"`
	Body        []byte    `json:"-"`
}

// WarmupResult reports the outcome of a priming request.
type WarmupResult struct {
	Success    bool
	Decision   DecisionKind
	StatusCode int
	Err        error
}

// CookiesFromResponse converts net/http cookies parsed from Set-Cookie
// headers into the persisted representation.
func CookiesFromResponse(header http.Header) []Cookie {
	resp := http.Response{Header: header}
	parsed := resp.Cookies()
	out := make([]Cookie, 0, len(parsed))
	for _, c := range parsed {
		out = append(out, Cookie{
			Name:    c.Name,
			Value:   c.Value,
			Domain:  c.Domain,
			Path:    c.Path,
			Expires: c.Expires,
			Secure:  c.Secure,
		})
	}
	return out
}
