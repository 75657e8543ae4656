package types

import (
	"net/http"
	"net/url"
	"time"
)

// Response is the outcome of a successful fetch.
type Response struct {
	Request *Request

	// URL is the final URL after redirects; may differ from Request.URL.
	URL        *url.URL
	StatusCode int
	Header     http.Header
	Body       []byte

	FetchedAt time.Time
	Latency   time.Duration
}

// Item is a unit of scraped output handed to the item pipeline.
type Item map[string]any

// ParseResult aggregates what a response handler yielded: follow-up
// requests for the scheduler and items for the pipeline.
type ParseResult struct {
	Requests []*Request
	Items    []Item
}
