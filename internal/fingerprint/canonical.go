package fingerprint

import (
	"net/url"
	"sort"
	"strings"
)

// CanonicalURL renders u in a normalised textual form: lowercase scheme
// and host, default ports stripped, query pairs sorted by key then value,
// percent-encoding normalised by a decode/encode round trip, and the
// fragment dropped unless keepFragment is set. Two URLs that reach the
// same resource on the origin server canonicalise identically.
func CanonicalURL(u *url.URL, keepFragment bool) string {
	if u == nil {
		return ""
	}

	c := *u
	c.Scheme = strings.ToLower(c.Scheme)
	c.Host = strings.ToLower(c.Host)
	c.Host = stripDefaultPort(c.Scheme, c.Host)
	c.User = u.User

	if c.Path == "" {
		c.Path = "/"
	}
	// Re-encoding through Path/RawPath normalises uppercase vs lowercase
	// percent escapes and spurious escaping of unreserved characters.
	c.RawPath = ""

	c.RawQuery = sortQuery(c.RawQuery)
	if !keepFragment {
		c.Fragment = ""
		c.RawFragment = ""
	}
	return c.String()
}

func stripDefaultPort(scheme, host string) string {
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		return strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		return strings.TrimSuffix(host, ":443")
	}
	return host
}

type queryPair struct{ key, value string }

func sortQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}

	pairs := make([]queryPair, 0, 8)
	for _, segment := range strings.Split(rawQuery, "&") {
		if segment == "" {
			continue
		}
		key, value, _ := strings.Cut(segment, "=")
		dk, err := url.QueryUnescape(key)
		if err != nil {
			dk = key
		}
		dv, err := url.QueryUnescape(value)
		if err != nil {
			dv = value
		}
		pairs = append(pairs, queryPair{key: dk, value: dv})
	}

	sort.SliceStable(pairs, func(i, j int) bool {
		if pairs[i].key != pairs[j].key {
			return pairs[i].key < pairs[j].key
		}
		return pairs[i].value < pairs[j].value
	})

	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.value))
	}
	return b.String()
}
