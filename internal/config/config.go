package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the full configuration required to initialise the crawl
// engine.
type Config struct {
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Downloader DownloaderConfig `yaml:"downloader"`
	Retry      RetryConfig      `yaml:"retry"`
	Crawl      CrawlConfig      `yaml:"crawl"`
	Robots     RobotsConfig     `yaml:"robots"`
	DB         SQLConfig        `yaml:"db"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// SchedulerConfig controls the frontier, dedup, and crash-resume state.
type SchedulerConfig struct {
	// JobDir persists queue and dupe filter state for resume. Empty
	// disables persistence. The directory must exist and be owned by a
	// single crawl process.
	JobDir string `yaml:"job_dir"`

	// IgnoreCorruptState resumes past undecodable spool records instead
	// of aborting startup.
	IgnoreCorruptState bool `yaml:"ignore_corrupt_state"`

	// DebugDupes logs every filtered duplicate rather than only the first.
	DebugDupes bool `yaml:"debug_dupes"`

	Fingerprint FingerprintConfig `yaml:"fingerprint"`
}

// FingerprintConfig selects the request canonicalization strategy.
type FingerprintConfig struct {
	KeepFragments bool     `yaml:"keep_fragments"`
	Headers       []string `yaml:"headers"`
}

// DownloaderConfig bounds concurrency and politeness.
type DownloaderConfig struct {
	MaxGlobal      int      `yaml:"max_global"`
	MaxPerDomain   int      `yaml:"max_per_domain"`
	Delay          Duration `yaml:"delay"`
	RandomizeDelay bool     `yaml:"randomize_delay"`
	RequestTimeout Duration `yaml:"request_timeout"`
	GracePeriod    Duration `yaml:"grace_period"`

	RateLimitPerDomain RateLimitConfig `yaml:"rate_limit_per_domain"`
}

// RateLimitConfig applies a token bucket per domain on top of the delay.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// Enabled reports whether per-domain rate limiting is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}

// RetryConfig governs transient-failure handling.
type RetryConfig struct {
	MaxRetries    int      `yaml:"max_retries"`
	PriorityBoost int      `yaml:"priority_boost"`
	Backoff       Duration `yaml:"backoff"`
	Statuses      []int    `yaml:"statuses"`
}

// CrawlConfig declares seeds, scope, and link discovery limits.
type CrawlConfig struct {
	Seeds           []SeedConfig      `yaml:"seeds"`
	MaxDepth        int               `yaml:"max_depth"`
	UserAgent       string            `yaml:"user_agent"`
	Headers         map[string]string `yaml:"headers"`
	ProxyURL        string            `yaml:"proxy_url"`
	AllowedDomains  []string          `yaml:"allowed_domains"`
	ExcludedDomains []string          `yaml:"excluded_domains"`
	MaxBodyBytes    int64             `yaml:"max_body_bytes"`
	Discovery       DiscoveryConfig   `yaml:"discovery"`
}

// SeedConfig declares an initial URL for the crawl frontier.
type SeedConfig struct {
	URL      string `yaml:"url"`
	Priority int    `yaml:"priority"`
	Handler  string `yaml:"handler"`
}

// DiscoveryConfig tunes link extraction.
type DiscoveryConfig struct {
	FollowExternal  bool     `yaml:"follow_external"`
	MaxLinksPerPage int      `yaml:"max_links_per_page"`
	IncludePatterns []string `yaml:"include_patterns"`
	ExcludePatterns []string `yaml:"exclude_patterns"`
	RespectNofollow bool     `yaml:"respect_nofollow"`
}

// RobotsConfig configures robots.txt handling.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect"`
	Overrides []string `yaml:"overrides"`
	UserAgent string   `yaml:"user_agent"`
	CacheTTL  Duration `yaml:"cache_ttl"`
}

// SQLConfig describes the relational sink for scraped items.
type SQLConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Downloader: DownloaderConfig{
			MaxGlobal:      16,
			MaxPerDomain:   8,
			Delay:          DurationFrom(0),
			RandomizeDelay: true,
			RequestTimeout: DurationFrom(30 * time.Second),
			GracePeriod:    DurationFrom(10 * time.Second),
		},
		Retry: RetryConfig{
			MaxRetries:    2,
			PriorityBoost: 10,
			Backoff:       DurationFrom(0),
		},
		Crawl: CrawlConfig{
			MaxDepth:     3,
			UserAgent:    "crawlkit/1.0",
			Headers:      map[string]string{},
			MaxBodyBytes: 6 * 1024 * 1024,
			Discovery: DiscoveryConfig{
				FollowExternal:  false,
				MaxLinksPerPage: 200,
				RespectNofollow: true,
			},
		},
		Robots: RobotsConfig{
			Respect:   true,
			Overrides: []string{},
			UserAgent: "crawlkit/1.0",
			CacheTTL:  DurationFrom(6 * time.Hour),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
		DB: SQLConfig{
			AutoMigrate: true,
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// Validate enforces required invariants for the crawl configuration.
func (c Config) Validate() error {
	if len(c.Crawl.Seeds) == 0 {
		return errors.New("at least one crawl seed must be configured")
	}
	for i := range c.Crawl.Seeds {
		if c.Crawl.Seeds[i].URL == "" {
			return fmt.Errorf("seed %d has empty url", i)
		}
	}
	if c.Crawl.MaxDepth <= 0 {
		return fmt.Errorf("crawl.max_depth must be > 0 (got %d)", c.Crawl.MaxDepth)
	}
	if c.Crawl.MaxBodyBytes <= 0 {
		return fmt.Errorf("crawl.max_body_bytes must be > 0 (got %d)", c.Crawl.MaxBodyBytes)
	}
	if strings.TrimSpace(c.Crawl.UserAgent) == "" {
		return errors.New("crawl.user_agent must be set")
	}
	if c.Downloader.MaxGlobal <= 0 {
		return fmt.Errorf("downloader.max_global must be > 0 (got %d)", c.Downloader.MaxGlobal)
	}
	if c.Downloader.MaxPerDomain <= 0 {
		return fmt.Errorf("downloader.max_per_domain must be > 0 (got %d)", c.Downloader.MaxPerDomain)
	}
	if c.Downloader.MaxPerDomain > c.Downloader.MaxGlobal {
		return fmt.Errorf("downloader.max_per_domain (%d) exceeds max_global (%d)", c.Downloader.MaxPerDomain, c.Downloader.MaxGlobal)
	}
	if rl := c.Downloader.RateLimitPerDomain; rl.Requests < 0 {
		return fmt.Errorf("downloader.rate_limit_per_domain.requests must be >= 0 (got %d)", rl.Requests)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0 (got %d)", c.Retry.MaxRetries)
	}
	for _, code := range c.Retry.Statuses {
		if code < 100 || code > 599 {
			return fmt.Errorf("retry.statuses entry %d is not an HTTP status", code)
		}
	}
	if strings.TrimSpace(c.Robots.UserAgent) == "" {
		return errors.New("robots.user_agent must be set")
	}
	if c.Scheduler.JobDir != "" {
		info, err := os.Stat(c.Scheduler.JobDir)
		if err != nil {
			return fmt.Errorf("scheduler.job_dir: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("scheduler.job_dir %s is not a directory", c.Scheduler.JobDir)
		}
	}
	return nil
}

func (c *Config) normalise() {
	for i := range c.Crawl.Seeds {
		c.Crawl.Seeds[i].URL = strings.TrimSpace(c.Crawl.Seeds[i].URL)
		c.Crawl.Seeds[i].Handler = strings.TrimSpace(c.Crawl.Seeds[i].Handler)
	}
	c.Crawl.UserAgent = strings.TrimSpace(c.Crawl.UserAgent)
	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)
	c.Scheduler.JobDir = strings.TrimSpace(c.Scheduler.JobDir)

	if len(c.Robots.Overrides) > 0 {
		c.Robots.Overrides = dedupeLower(c.Robots.Overrides)
	}
	if len(c.Crawl.AllowedDomains) > 0 {
		c.Crawl.AllowedDomains = dedupeLower(c.Crawl.AllowedDomains)
	}
	if len(c.Crawl.ExcludedDomains) > 0 {
		c.Crawl.ExcludedDomains = dedupeLower(c.Crawl.ExcludedDomains)
	}
	if len(c.Scheduler.Fingerprint.Headers) > 0 {
		c.Scheduler.Fingerprint.Headers = dedupeLower(c.Scheduler.Fingerprint.Headers)
	}
}

func dedupeLower(values []string) []string {
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	sort.Strings(cleaned)
	return cleaned
}
