// Package config loads and validates fetcher configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/normafeed/fetchkit/internal/fetch"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	State    StateConfig    `mapstructure:"state"`
	Cache    CacheConfig    `mapstructure:"cache"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Run      RunConfig      `mapstructure:"run"`
	AntiBot  AntiBotConfig  `mapstructure:"antibot"`
	Sources  []SourceConfig `mapstructure:"sources"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StateConfig selects the host state backend: a JSON file by default, or
// Postgres when a DSN is set.
type StateConfig struct {
	Path        string `mapstructure:"path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	Table       string `mapstructure:"table"`
}

// CacheConfig sets the page cache location.
type CacheConfig struct {
	Dir string `mapstructure:"dir"`
}

// HTTPConfig configures the plain-HTTP attempt layer.
type HTTPConfig struct {
	UserAgent       string        `mapstructure:"user_agent"`
	DefaultInterval time.Duration `mapstructure:"default_interval"`
}

// HeadlessConfig configures the headless rendering fallback. Binary is
// also overridable through FETCHKIT_BROWSER or the legacy CHROME_BINARY
// variable, read once at startup.
type HeadlessConfig struct {
	Binary        string        `mapstructure:"binary"`
	NavTimeout    time.Duration `mapstructure:"nav_timeout"`
	WaitAfterLoad time.Duration `mapstructure:"wait_after_load"`
}

// RunConfig governs the run loop. MetricsAddr, when set, exposes the
// Prometheus endpoint for the duration of the run.
type RunConfig struct {
	Parallelism int           `mapstructure:"parallelism"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MetricsAddr string        `mapstructure:"metrics_addr"`
}

// AntiBotConfig extends the recognized protection cookie pattern set.
type AntiBotConfig struct {
	ExtraCookiePatterns []string `mapstructure:"extra_cookie_patterns"`
}

// WarmupConfig is the per-source warmup block.
type WarmupConfig struct {
	URL      string        `mapstructure:"url"`
	DelayMin time.Duration `mapstructure:"delay_min"`
	DelayMax time.Duration `mapstructure:"delay_max"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// StrategyConfig is the per-source request strategy block. Pointer fields
// distinguish "absent" from an explicit zero so defaults apply cleanly.
type StrategyConfig struct {
	ConnectTimeout   time.Duration     `mapstructure:"connect_timeout"`
	ReadTimeout      time.Duration     `mapstructure:"read_timeout"`
	MaxAttempts      int               `mapstructure:"max_attempts"`
	BackoffFactor    *float64          `mapstructure:"backoff_factor"`
	Proxies          []string          `mapstructure:"proxies"`
	RetryStatuses    []int             `mapstructure:"retry_statuses"`
	ExtraHeaders     map[string]string `mapstructure:"extra_headers"`
	Warmup           *WarmupConfig     `mapstructure:"warmup"`
	HeadlessFallback bool              `mapstructure:"headless_fallback"`
	UserAgent        string            `mapstructure:"user_agent"`
	CaptureCookies   *bool             `mapstructure:"capture_cookies"`
}

// SourceConfig describes one listing URL to harvest.
type SourceConfig struct {
	Name        string          `mapstructure:"name"`
	URL         string          `mapstructure:"url"`
	MinInterval time.Duration   `mapstructure:"min_interval"`
	Strategy    *StrategyConfig `mapstructure:"strategy"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FETCHKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("fetchkit")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Headless.Binary == "" {
		cfg.Headless.Binary = os.Getenv("FETCHKIT_BROWSER")
	}
	if cfg.Headless.Binary == "" {
		// legacy name kept for operators migrating old deployments
		cfg.Headless.Binary = os.Getenv("CHROME_BINARY")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("state.path", ".cache/state.json")
	v.SetDefault("cache.dir", ".cache/pages")
	v.SetDefault("http.default_interval", "2s")
	v.SetDefault("headless.nav_timeout", "45s")
	v.SetDefault("headless.wait_after_load", "5s")
	v.SetDefault("run.parallelism", 4)
	v.SetDefault("run.timeout", "20m")
}

// Validate enforces required values and reasonable limits. A failure here
// aborts the whole run; per-host trouble never should.
func (c Config) Validate() error {
	if c.State.Path == "" && c.State.PostgresDSN == "" {
		return fmt.Errorf("state.path or state.postgres_dsn must be set")
	}
	if c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir must be set")
	}
	if c.Run.Parallelism <= 0 {
		return fmt.Errorf("run.parallelism must be > 0")
	}
	for i, src := range c.Sources {
		if src.URL == "" {
			return fmt.Errorf("sources[%d]: url is required", i)
		}
		u, err := url.Parse(src.URL)
		if err != nil || u.Hostname() == "" {
			return fmt.Errorf("sources[%d]: invalid url %q", i, src.URL)
		}
		if src.Strategy != nil && src.Strategy.MaxAttempts < 0 {
			return fmt.Errorf("sources[%d]: max_attempts must be >= 0", i)
		}
	}
	return nil
}

// Host returns the lowercase hostname of the source URL.
func (s SourceConfig) Host() string {
	u, err := url.Parse(s.URL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// ToStrategy resolves the source's strategy against the defaults.
func (s SourceConfig) ToStrategy(globalUserAgent string) fetch.RequestStrategy {
	strategy := fetch.DefaultStrategy()
	if globalUserAgent != "" {
		strategy.UserAgent = globalUserAgent
	}
	cfg := s.Strategy
	if cfg == nil {
		return strategy
	}
	if cfg.ConnectTimeout > 0 {
		strategy.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ReadTimeout > 0 {
		strategy.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.MaxAttempts > 0 {
		strategy.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BackoffFactor != nil {
		strategy.BackoffFactor = *cfg.BackoffFactor
	}
	if len(cfg.Proxies) > 0 {
		strategy.Proxies = append([]string(nil), cfg.Proxies...)
	}
	if len(cfg.RetryStatuses) > 0 {
		strategy.RetryStatuses = append([]int(nil), cfg.RetryStatuses...)
	}
	if len(cfg.ExtraHeaders) > 0 {
		strategy.ExtraHeaders = make(map[string]string, len(cfg.ExtraHeaders))
		for k, v := range cfg.ExtraHeaders {
			strategy.ExtraHeaders[k] = v
		}
	}
	if cfg.Warmup != nil {
		strategy.Warmup = &fetch.WarmupConfig{
			URL:      cfg.Warmup.URL,
			DelayMin: cfg.Warmup.DelayMin,
			DelayMax: cfg.Warmup.DelayMax,
			Timeout:  cfg.Warmup.Timeout,
		}
	}
	strategy.HeadlessFallback = cfg.HeadlessFallback
	if cfg.UserAgent != "" {
		strategy.UserAgent = cfg.UserAgent
	}
	if cfg.CaptureCookies != nil {
		strategy.CaptureCookies = *cfg.CaptureCookies
	}
	return strategy
}

// HostIntervals builds the per-host minimum spacing map from the sources.
func (c Config) HostIntervals() map[string]time.Duration {
	intervals := make(map[string]time.Duration)
	for _, src := range c.Sources {
		if src.MinInterval > 0 {
			if host := src.Host(); host != "" {
				intervals[host] = src.MinInterval
			}
		}
	}
	return intervals
}
