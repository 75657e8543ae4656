// Package processor is the parse collaborator: it turns fetched responses
// into follow-up requests and scraped items.
package processor

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"crawlkit/internal/config"
	"crawlkit/pkg/types"
)

// HTMLProcessor extracts links and page items from HTML responses.
type HTMLProcessor struct {
	opts            config.DiscoveryConfig
	maxDepth        int
	includePatterns []*regexp.Regexp
	excludePatterns []*regexp.Regexp
}

// New builds a processor from discovery configuration.
func New(discovery config.DiscoveryConfig, maxDepth int) (*HTMLProcessor, error) {
	include, err := compilePatterns(discovery.IncludePatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid include pattern: %w", err)
	}
	exclude, err := compilePatterns(discovery.ExcludePatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid exclude pattern: %w", err)
	}
	return &HTMLProcessor{
		opts:            discovery,
		maxDepth:        maxDepth,
		includePatterns: include,
		excludePatterns: exclude,
	}, nil
}

// Parse extracts follow-up requests and one item per page. Non-HTML or
// empty responses yield an empty result; they are not errors.
func (p *HTMLProcessor) Parse(resp *types.Response) (types.ParseResult, error) {
	var result types.ParseResult
	if resp == nil || len(resp.Body) == 0 {
		return result, nil
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "html") {
		return result, nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return result, fmt.Errorf("parse html: %w", err)
	}

	result.Items = append(result.Items, p.buildItem(resp, doc))

	parent := resp.Request
	if parent.Depth >= p.maxDepth {
		return result, nil
	}
	for _, link := range p.extractLinks(resp, doc) {
		child := &types.Request{
			Method:   "GET",
			URL:      link,
			Priority: parent.Priority,
			Handler:  parent.Handler,
			Depth:    parent.Depth + 1,
		}
		result.Requests = append(result.Requests, child)
	}
	return result, nil
}

func (p *HTMLProcessor) buildItem(resp *types.Response, doc *goquery.Document) types.Item {
	title := strings.TrimSpace(doc.Find("title").First().Text())
	return types.Item{
		"url":    resp.URL.String(),
		"status": resp.StatusCode,
		"title":  title,
		"text":   extractText(resp.Body),
		"depth":  resp.Request.Depth,
	}
}

func (p *HTMLProcessor) extractLinks(resp *types.Response, doc *goquery.Document) []*url.URL {
	base := resp.URL
	if base == nil {
		base = resp.Request.URL
	}
	if base == nil {
		return nil
	}

	maxLinks := p.opts.MaxLinksPerPage
	if maxLinks <= 0 {
		maxLinks = 200
	}
	seen := make(map[string]struct{})
	links := make([]*url.URL, 0, maxLinks)

	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, ok := s.Attr("href")
		if !ok {
			return true
		}
		href = strings.TrimSpace(href)
		if href == "" {
			return true
		}
		if strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
			return true
		}
		if p.opts.RespectNofollow {
			if rel, _ := s.Attr("rel"); relContainsNofollow(rel) {
				return true
			}
		}

		u, err := base.Parse(href)
		if err != nil {
			return true
		}
		u.Fragment = ""
		if !p.acceptLink(base, u) {
			return true
		}
		key := u.String()
		if _, exists := seen[key]; exists {
			return true
		}
		seen[key] = struct{}{}
		links = append(links, u)
		return len(links) < maxLinks
	})

	return links
}

func (p *HTMLProcessor) acceptLink(base, target *url.URL) bool {
	if target == nil {
		return false
	}
	scheme := strings.ToLower(target.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}

	if !p.opts.FollowExternal && !sameDomain(base, target) {
		return false
	}

	if len(p.includePatterns) > 0 {
		matched := false
		for _, pat := range p.includePatterns {
			if pat.MatchString(target.String()) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, pat := range p.excludePatterns {
		if pat.MatchString(target.String()) {
			return false
		}
	}
	return true
}

func sameDomain(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Hostname(), b.Hostname())
}

func relContainsNofollow(rel string) bool {
	for _, token := range strings.Fields(strings.ToLower(rel)) {
		if token == "nofollow" {
			return true
		}
	}
	return false
}

// extractText walks the HTML tree collecting visible text, skipping
// script and style subtrees.
func extractText(body []byte) string {
	node, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return ""
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "iframe":
				return
			}
		}
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(text)
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(node)
	return b.String()
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, raw := range patterns {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		pat, err := regexp.Compile(raw)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, pat)
	}
	return compiled, nil
}
