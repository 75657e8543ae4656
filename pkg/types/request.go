package types

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Meta keys the engine itself reads and writes. User code may store
// arbitrary additional keys.
const (
	// MetaDownloadSlot overrides the per-origin slot key used by the
	// downloader (eg. to group all requests through one proxy).
	MetaDownloadSlot = "download_slot"
	// MetaCookieJar selects a cookie jar identifier for the transport.
	MetaCookieJar = "cookie_jar"
)

// Request models one unit of fetch work in the crawl frontier.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte

	// Priority orders dispatch; higher values are dispatched first.
	Priority int

	// DontFilter bypasses duplicate filtering for intentional re-fetches
	// (retries, periodic refreshes).
	DontFilter bool

	// Handler names the response handler registered with the engine that
	// should receive the response. Empty selects the engine default.
	Handler string

	// Retries counts transient failures already consumed by this request.
	Retries int

	// Depth is the discovery distance from the seed that produced it.
	Depth int

	// FingerprintSeed, when non-empty, replaces the canonical
	// representation as the fingerprint input.
	FingerprintSeed string

	// Meta carries string-valued routing and bookkeeping data across
	// serialization boundaries.
	Meta map[string]string
}

// NewRequest builds a GET request for a raw URL, validating it eagerly so
// malformed URLs surface at construction time rather than at fetch or
// fingerprint time.
func NewRequest(rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse request url %q: %w", rawURL, err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("request url %q is not absolute", rawURL)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("request url missing host")
	}
	return &Request{
		Method: http.MethodGet,
		URL:    u,
		Header: make(http.Header),
	}, nil
}

// SlotKey returns the downloader slot key: the download_slot meta value
// when set, otherwise scheme://host[:port] of the target.
func (r *Request) SlotKey() string {
	if key, ok := r.Meta[MetaDownloadSlot]; ok && key != "" {
		return key
	}
	if r.URL == nil {
		return ""
	}
	return strings.ToLower(r.URL.Scheme) + "://" + strings.ToLower(r.URL.Host)
}

// MetaValue returns the meta entry for key, tolerating a nil map.
func (r *Request) MetaValue(key string) string {
	if r.Meta == nil {
		return ""
	}
	return r.Meta[key]
}

// SetMeta stores a meta entry, allocating the map on first use.
func (r *Request) SetMeta(key, value string) {
	if r.Meta == nil {
		r.Meta = make(map[string]string)
	}
	r.Meta[key] = value
}

// Clone returns a deep copy so a callback can mutate a request without
// affecting queued copies.
func (r *Request) Clone() *Request {
	clone := *r
	if r.URL != nil {
		u := *r.URL
		clone.URL = &u
	}
	if r.Header != nil {
		clone.Header = r.Header.Clone()
	}
	if r.Body != nil {
		clone.Body = append([]byte(nil), r.Body...)
	}
	if r.Meta != nil {
		clone.Meta = make(map[string]string, len(r.Meta))
		for k, v := range r.Meta {
			clone.Meta[k] = v
		}
	}
	return &clone
}

func (r *Request) String() string {
	if r == nil || r.URL == nil {
		return "<invalid request>"
	}
	return fmt.Sprintf("<%s %s>", r.Method, r.URL)
}
