package fetch

import "strings"

// defaultProtectionPrefixes are cookie-name prefixes issued by common
// challenge providers (DDoS-Guard, Cloudflare).
var defaultProtectionPrefixes = []string{
	"__ddg",
	"ddg1",
	"ddg2",
	"ddg3",
	"ddg4",
	"ddg5",
	"cf_clearance",
	"cf_bm",
	"cf_chl_",
}

// CookieMatcher recognizes anti-bot cookies by name. The pattern set is
// data-driven so deployments can extend it without code changes.
type CookieMatcher struct {
	prefixes []string
}

// NewCookieMatcher builds a matcher from the default pattern set plus any
// extra prefixes supplied by configuration.
func NewCookieMatcher(extra ...string) *CookieMatcher {
	prefixes := make([]string, 0, len(defaultProtectionPrefixes)+len(extra))
	prefixes = append(prefixes, defaultProtectionPrefixes...)
	for _, p := range extra {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			prefixes = append(prefixes, p)
		}
	}
	return &CookieMatcher{prefixes: prefixes}
}

// Match reports whether the cookie name looks like a protection token.
func (m *CookieMatcher) Match(name string) bool {
	name = strings.ToLower(name)
	for _, prefix := range m.prefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return strings.Contains(name, "ddos") && strings.Contains(name, "guard")
}

// MatchAny reports whether any cookie in the slice is a protection token.
func (m *CookieMatcher) MatchAny(cookies []Cookie) bool {
	for _, c := range cookies {
		if m.Match(c.Name) {
			return true
		}
	}
	return false
}
