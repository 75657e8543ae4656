// Package robots evaluates robots.txt rules with caching and per-host
// overrides, and adapts them to the scheduler's admission-filter chain.
package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"

	"crawlkit/internal/config"
	"crawlkit/pkg/types"
)

// Agent evaluates robots.txt rules.
type Agent struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	respect   bool

	mu        sync.RWMutex
	cache     map[string]cacheEntry
	overrides map[string]struct{}
}

type cacheEntry struct {
	fetched time.Time
	rules   *robotstxt.RobotsData
}

// NewAgent constructs a robots agent from configuration.
func NewAgent(cfg config.RobotsConfig, client *http.Client) *Agent {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	ttl := cfg.CacheTTL.Duration
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}

	overrides := make(map[string]struct{}, len(cfg.Overrides))
	for _, host := range cfg.Overrides {
		host = strings.ToLower(strings.TrimSpace(host))
		if host == "" {
			continue
		}
		overrides[host] = struct{}{}
	}

	return &Agent{
		client:    client,
		userAgent: cfg.UserAgent,
		ttl:       ttl,
		respect:   cfg.Respect,
		cache:     make(map[string]cacheEntry),
		overrides: overrides,
	}
}

// Allowed reports whether the target URL is permitted.
func (a *Agent) Allowed(ctx context.Context, target *url.URL) bool {
	if target == nil || !target.IsAbs() {
		return false
	}
	if !a.respect {
		return true
	}

	host := strings.ToLower(target.Hostname())
	if _, ok := a.overrides[host]; ok {
		return true
	}

	rules, err := a.rules(ctx, target)
	if err != nil {
		// Fail-open on robots errors (common industry practice).
		return true
	}
	return a.evaluate(rules, target)
}

// AllowedFromCache answers from cached rules only. The second result
// reports whether fresh rules were available; when false the caller
// picks the interim answer and may trigger a fetch itself.
func (a *Agent) AllowedFromCache(target *url.URL) (allowed, fresh bool) {
	if target == nil || !target.IsAbs() {
		return false, true
	}
	if !a.respect {
		return true, true
	}
	if _, ok := a.overrides[strings.ToLower(target.Hostname())]; ok {
		return true, true
	}

	a.mu.RLock()
	entry, ok := a.cache[strings.ToLower(target.Host)]
	a.mu.RUnlock()
	if !ok || time.Since(entry.fetched) >= a.ttl {
		return true, false
	}
	return a.evaluate(entry.rules, target), true
}

// evaluate applies cached rules; nil rules mark a failed fetch and
// fail open until the entry expires.
func (a *Agent) evaluate(rules *robotstxt.RobotsData, target *url.URL) bool {
	if rules == nil {
		return true
	}
	group := rules.FindGroup(a.userAgent)
	if group == nil {
		group = rules.FindGroup("*")
		if group == nil {
			return true
		}
	}
	return group.Test(target.Path)
}

func (a *Agent) rules(ctx context.Context, target *url.URL) (*robotstxt.RobotsData, error) {
	host := strings.ToLower(target.Host)

	a.mu.RLock()
	entry, ok := a.cache[host]
	if ok && time.Since(entry.fetched) < a.ttl {
		a.mu.RUnlock()
		return entry.rules, nil
	}
	a.mu.RUnlock()

	robotsURL := target.Scheme + "://" + target.Host + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build robots request: %w", err)
	}
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		a.cacheRules(host, nil)
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		a.cacheRules(host, nil)
		return nil, fmt.Errorf("robots returned status %d", resp.StatusCode)
	}

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		a.cacheRules(host, nil)
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}

	a.cacheRules(host, data)
	return data, nil
}

// cacheRules records the outcome of a fetch, nil for a failure, so an
// unreachable robots.txt is retried on the TTL rather than per request.
func (a *Agent) cacheRules(host string, rules *robotstxt.RobotsData) {
	a.mu.Lock()
	a.cache[host] = cacheEntry{fetched: time.Now(), rules: rules}
	a.mu.Unlock()
}

// Purge evicts cached robots rules for a host.
func (a *Agent) Purge(host string) {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return
	}
	a.mu.Lock()
	delete(a.cache, host)
	a.mu.Unlock()
}

// Filter adapts the agent to the scheduler's admission chain. Accept
// runs under the scheduler's lock, so it never fetches inline: a host
// with no cached rules is admitted fail-open while the rules are
// fetched in the background, and later requests for the host are
// filtered once the cache is warm.
type Filter struct {
	agent   *Agent
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
}

// NewFilter wraps agent as an admission filter. timeout bounds each
// background robots.txt fetch.
func NewFilter(agent *Agent, timeout time.Duration) *Filter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Filter{
		agent:   agent,
		timeout: timeout,
		pending: make(map[string]struct{}),
	}
}

// Accept reports whether cached robots rules permit req.
func (f *Filter) Accept(req *types.Request) bool {
	allowed, fresh := f.agent.AllowedFromCache(req.URL)
	if fresh {
		return allowed
	}
	f.prefetch(req.URL)
	return true
}

// prefetch warms the rules cache for target's host, at most one fetch
// per host at a time.
func (f *Filter) prefetch(target *url.URL) {
	host := strings.ToLower(target.Host)

	f.mu.Lock()
	if _, busy := f.pending[host]; busy {
		f.mu.Unlock()
		return
	}
	f.pending[host] = struct{}{}
	f.mu.Unlock()

	fetchURL := *target
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		defer cancel()
		_, _ = f.agent.rules(ctx, &fetchURL)

		f.mu.Lock()
		delete(f.pending, host)
		f.mu.Unlock()
	}()
}

// Name labels the filter in scheduler logs.
func (f *Filter) Name() string { return "robots" }
