// Package ssrf rejects fetch targets that could be used to reach internal networks.
//
// The check is purely syntactic on the literal hostname. It does not resolve DNS, so
// a public name that later resolves to a private address is not caught.
package ssrf

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/JakeFAU/feed-ingestor/internal/ingest"
)

var (
	blockedHosts    = []string{"localhost", "::1", "[::1]"}
	blockedSuffixes = []string{".local", ".internal"}
	blockedPrefixes = []string{"127.", "10.", "192.168.", "169.254.", "0."}
)

// Validator implements ingest.URLValidator.
type Validator struct{}

// New creates a Validator.
func New() *Validator {
	return &Validator{}
}

// Validate returns a rejected-kind *ingest.FetchError when rawURL is not allowed.
func (Validator) Validate(rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ingest.Rejected(rawURL, "unparseable url")
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return ingest.Rejected(rawURL, "scheme not allowed")
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return ingest.Rejected(rawURL, "missing host")
	}
	if reason, blocked := blockedHost(host); blocked {
		return ingest.Rejected(rawURL, reason)
	}
	return nil
}

// Allowed is a boolean convenience over Validate.
func (v Validator) Allowed(rawURL string) bool {
	return v.Validate(rawURL) == nil
}

func blockedHost(host string) (string, bool) {
	for _, h := range blockedHosts {
		if host == h {
			return "loopback host", true
		}
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(host, suffix) {
			return "internal domain", true
		}
	}
	for _, prefix := range blockedPrefixes {
		if strings.HasPrefix(host, prefix) {
			return "private address", true
		}
	}
	if inPrivate172(host) {
		return "private address", true
	}
	return "", false
}

// inPrivate172 matches 172.16.0.0/12 by its second octet.
func inPrivate172(host string) bool {
	rest, ok := strings.CutPrefix(host, "172.")
	if !ok {
		return false
	}
	octet, _, _ := strings.Cut(rest, ".")
	n, err := strconv.Atoi(octet)
	if err != nil {
		return false
	}
	return n >= 16 && n <= 31
}
