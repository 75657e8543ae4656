package crawler

import (
	"strings"

	"crawlkit/internal/config"
	"crawlkit/pkg/types"
)

// scopeFilter rejects requests whose host falls outside the configured
// domain scope. A host matches a domain entry exactly or as a subdomain
// of it. Exclusions win over allowances.
type scopeFilter struct {
	allowed  []string
	excluded []string
}

// newScopeFilter returns nil when no domain scope is configured, so the
// caller can skip installing the filter entirely.
func newScopeFilter(cfg config.CrawlConfig) *scopeFilter {
	if len(cfg.AllowedDomains) == 0 && len(cfg.ExcludedDomains) == 0 {
		return nil
	}
	return &scopeFilter{
		allowed:  cfg.AllowedDomains,
		excluded: cfg.ExcludedDomains,
	}
}

func (f *scopeFilter) Accept(req *types.Request) bool {
	if req.URL == nil {
		return false
	}
	host := strings.ToLower(req.URL.Hostname())

	for _, domain := range f.excluded {
		if hostMatches(host, domain) {
			return false
		}
	}
	if len(f.allowed) == 0 {
		return true
	}
	for _, domain := range f.allowed {
		if hostMatches(host, domain) {
			return true
		}
	}
	return false
}

func (f *scopeFilter) Name() string { return "scope" }

func hostMatches(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}
