// Package fingerprint derives stable identities for crawl requests so the
// duplicate filter can recognise logically-equivalent fetches.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"crawlkit/pkg/types"
)

// Size is the fingerprint length in bytes.
const Size = sha256.Size

// Fingerprint is a fixed-length digest identifying a request.
type Fingerprint [Size]byte

// Hex returns the lowercase hex encoding used in the requests.seen file.
func (f Fingerprint) Hex() string {
	return hex.EncodeToString(f[:])
}

// ParseHex decodes a fingerprint from its hex form.
func ParseHex(s string) (Fingerprint, bool) {
	var fp Fingerprint
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil || len(raw) != Size {
		return fp, false
	}
	copy(fp[:], raw)
	return fp, true
}

// Fingerprinter computes a request fingerprint. Implementations must be
// pure: repeated calls with the same request yield the same value.
type Fingerprinter interface {
	Fingerprint(req *types.Request) Fingerprint
}

// Options selects the canonicalization strategy. The zero value is the
// default behaviour: fragment stripped, no headers hashed.
type Options struct {
	// KeepFragments includes the URL fragment in the canonical form.
	// Useful for sites where the fragment selects server-rendered content.
	KeepFragments bool

	// Headers lists header names (any case) whose values participate in
	// the fingerprint. Off unless explicitly configured.
	Headers []string
}

// Hasher is the default Fingerprinter.
type Hasher struct {
	keepFragments bool
	headers       []string // canonical-cased, sorted
}

// New builds a Hasher from options.
func New(opts Options) *Hasher {
	h := &Hasher{keepFragments: opts.KeepFragments}
	for _, name := range opts.Headers {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		h.headers = append(h.headers, canonicalHeaderName(name))
	}
	sort.Strings(h.headers)
	return h
}

// Fingerprint hashes the canonical representation of req: method,
// canonical URL, body, and the configured header subset. Header insertion
// order and equivalent percent-encodings do not affect the result.
func (h *Hasher) Fingerprint(req *types.Request) Fingerprint {
	digest := sha256.New()

	if req.FingerprintSeed != "" {
		digest.Write([]byte(req.FingerprintSeed))
		var fp Fingerprint
		digest.Sum(fp[:0])
		return fp
	}

	method := req.Method
	if method == "" {
		method = "GET"
	}
	digest.Write([]byte(strings.ToUpper(method)))
	digest.Write([]byte{0})
	digest.Write([]byte(CanonicalURL(req.URL, h.keepFragments)))
	digest.Write([]byte{0})
	digest.Write(req.Body)

	for _, name := range h.headers {
		values := req.Header.Values(name)
		if len(values) == 0 {
			continue
		}
		sorted := append([]string(nil), values...)
		sort.Strings(sorted)
		digest.Write([]byte{0})
		digest.Write([]byte(name))
		digest.Write([]byte{0})
		digest.Write([]byte(strings.Join(sorted, "\x00")))
	}

	var fp Fingerprint
	digest.Sum(fp[:0])
	return fp
}

func canonicalHeaderName(name string) string {
	parts := strings.Split(strings.ToLower(name), "-")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, "-")
}
