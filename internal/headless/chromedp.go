// Package headless implements the last-resort rendering path using
// chromedp and a locally installed Chromium/Chrome binary.
package headless

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/normafeed/fetchkit/internal/fetch"
	"github.com/normafeed/fetchkit/internal/telemetry"
)

// binaryCandidates is the fixed search order when no explicit path is
// configured.
var binaryCandidates = []string{
	"chromium-browser",
	"chromium",
	"google-chrome",
	"google-chrome-stable",
}

// lookPath is swapped in tests to simulate missing binaries.
var lookPath = exec.LookPath

// Config controls the renderer.
type Config struct {
	// BinaryPath overrides binary discovery, typically from config or the
	// CHROME_BINARY environment variable read at startup.
	BinaryPath        string
	UserAgent         string
	NavigationTimeout time.Duration
	// WaitAfterLoad gives challenge scripts time to set their cookies.
	WaitAfterLoad time.Duration
}

// Renderer implements fetch.Renderer. The browser binary is resolved
// lazily on first use so that a missing binary only fails the hosts that
// actually need the fallback.
type Renderer struct {
	cfg    Config
	logger *zap.Logger

	resolveOnce sync.Once
	binary      string
	resolveErr  error
}

// New constructs a Renderer.
func New(cfg Config, logger *zap.Logger) *Renderer {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.WaitAfterLoad <= 0 {
		cfg.WaitAfterLoad = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{cfg: cfg, logger: logger}
}

// Render navigates with a headless browser and returns the rendered DOM
// plus the cookies the page session accumulated.
func (r *Renderer) Render(ctx context.Context, url string, strategy fetch.RequestStrategy) ([]byte, []fetch.Cookie, error) {
	binary, err := r.resolveBinary()
	if err != nil {
		telemetry.ObserveHeadless(url, "no_binary")
		return nil, nil, err
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(binary),
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, r.cfg.NavigationTimeout)
	defer cancel()

	var (
		html       string
		cdpCookies []*network.Cookie
	)
	actions := []chromedp.Action{
		r.userAgentAction(strategy),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(r.cfg.WaitAfterLoad),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cdpCookies, err = storage.GetCookies().Do(ctx)
			return err
		}),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		telemetry.ObserveHeadless(url, "error")
		return nil, nil, fmt.Errorf("headless render %s: %w", url, err)
	}

	telemetry.ObserveHeadless(url, "success")
	return []byte(html), convertCookies(cdpCookies), nil
}

func (r *Renderer) userAgentAction(strategy fetch.RequestStrategy) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ua := strategy.UserAgent
		if ua == "" {
			ua = r.cfg.UserAgent
		}
		if ua == "" {
			return nil
		}
		return emulation.SetUserAgentOverride(ua).Do(ctx)
	})
}

// resolveBinary finds a browser binary once: the configured override first,
// then the fixed candidate order on PATH.
func (r *Renderer) resolveBinary() (string, error) {
	r.resolveOnce.Do(func() {
		if r.cfg.BinaryPath != "" {
			r.binary = r.cfg.BinaryPath
			return
		}
		for _, candidate := range binaryCandidates {
			if path, err := lookPath(candidate); err == nil {
				r.logger.Debug("using browser binary", zap.String("path", path))
				r.binary = path
				return
			}
		}
		r.resolveErr = fmt.Errorf("searched %v: %w", binaryCandidates, fetch.ErrNoBinary)
	})
	return r.binary, r.resolveErr
}

func convertCookies(cookies []*network.Cookie) []fetch.Cookie {
	out := make([]fetch.Cookie, 0, len(cookies))
	for _, c := range cookies {
		if c == nil {
			continue
		}
		cookie := fetch.Cookie{
			Name:   c.Name,
			Value:  c.Value,
			Domain: c.Domain,
			Path:   c.Path,
			Secure: c.Secure,
		}
		if c.Expires > 0 {
			cookie.Expires = time.Unix(int64(c.Expires), 0)
		}
		out = append(out, cookie)
	}
	return out
}
