package config

import (
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
crawl:
  seeds:
    - url: https://example.com
`

func TestLoadMinimalConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Downloader.MaxGlobal != 16 || cfg.Downloader.MaxPerDomain != 8 {
		t.Fatalf("downloader defaults not applied: %+v", cfg.Downloader)
	}
	if cfg.Retry.MaxRetries != 2 || cfg.Retry.PriorityBoost != 10 {
		t.Fatalf("retry defaults not applied: %+v", cfg.Retry)
	}
	if !cfg.Robots.Respect {
		t.Fatal("robots should be respected by default")
	}
	if cfg.Crawl.UserAgent == "" {
		t.Fatal("default user agent missing")
	}
}

func TestLoadFullConfig(t *testing.T) {
	jobDir := t.TempDir()
	yamlDoc := `
scheduler:
  job_dir: ` + jobDir + `
  ignore_corrupt_state: true
  debug_dupes: true
  fingerprint:
    keep_fragments: true
    headers: [Cookie, cookie, X-Token]
downloader:
  max_global: 4
  max_per_domain: 2
  delay: 750ms
  randomize_delay: false
  request_timeout: 5s
retry:
  max_retries: 5
  priority_boost: 20
  backoff: 1s
  statuses: [500, 503]
crawl:
  seeds:
    - url: https://example.com
      priority: 3
      handler: listing
  max_depth: 2
  user_agent: testbot/1.0
  allowed_domains: [Example.com, example.com]
robots:
  respect: false
  user_agent: testbot/1.0
`
	cfg, err := LoadFromReader(strings.NewReader(yamlDoc))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Scheduler.JobDir != jobDir || !cfg.Scheduler.IgnoreCorruptState {
		t.Fatalf("scheduler section mismatch: %+v", cfg.Scheduler)
	}
	if got := cfg.Scheduler.Fingerprint.Headers; len(got) != 2 {
		t.Fatalf("fingerprint headers not deduped: %v", got)
	}
	if cfg.Downloader.Delay.Duration != 750*time.Millisecond {
		t.Fatalf("delay = %v", cfg.Downloader.Delay)
	}
	if cfg.Retry.MaxRetries != 5 || len(cfg.Retry.Statuses) != 2 {
		t.Fatalf("retry section mismatch: %+v", cfg.Retry)
	}
	if cfg.Crawl.Seeds[0].Priority != 3 || cfg.Crawl.Seeds[0].Handler != "listing" {
		t.Fatalf("seed fields lost: %+v", cfg.Crawl.Seeds[0])
	}
	if len(cfg.Crawl.AllowedDomains) != 1 {
		t.Fatalf("allowed domains not deduped: %v", cfg.Crawl.AllowedDomains)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"no seeds", `crawl: {seeds: []}`},
		{"empty seed url", "crawl:\n  seeds:\n    - url: \"\"\n"},
		{"zero depth", "crawl:\n  max_depth: -1\n  seeds:\n    - url: https://example.com\n"},
		{"per-domain above global", `
downloader:
  max_global: 2
  max_per_domain: 4
crawl:
  seeds:
    - url: https://example.com
`},
		{"bad retry status", `
retry:
  statuses: [999]
crawl:
  seeds:
    - url: https://example.com
`},
		{"missing job dir", `
scheduler:
  job_dir: /does/not/exist
crawl:
  seeds:
    - url: https://example.com
`},
		{"unknown field", `
crawl:
  seeds:
    - url: https://example.com
  typo_field: true
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadFromReader(strings.NewReader(tc.doc)); err == nil {
				t.Fatalf("expected %s to be rejected", tc.name)
			}
		})
	}
}

func TestDurationForms(t *testing.T) {
	doc := `
downloader:
  delay: 2
  request_timeout: 1500ms
crawl:
  seeds:
    - url: https://example.com
`
	cfg, err := LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Downloader.Delay.Duration != 2*time.Second {
		t.Fatalf("numeric duration = %v, want 2s", cfg.Downloader.Delay)
	}
	if cfg.Downloader.RequestTimeout.Duration != 1500*time.Millisecond {
		t.Fatalf("string duration = %v, want 1.5s", cfg.Downloader.RequestTimeout)
	}
}
