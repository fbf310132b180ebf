package frontier

import (
	"fmt"
	"net/url"
	"strings"
)

// Normalize standardizes a URL for fetching. It lowercases the scheme and
// host, removes default ports and fragments, and sorts query parameters.
func Normalize(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "" {
		u.Scheme = "https"
	}
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""

	q := u.Query()
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// DedupKey reduces a URL to its identity for frontier/crawled-set dedup.
// The key is scheme-insensitive and ignores a trailing slash, so
// https://x.com/about and http://x.com/about/ collapse to one entry.
func DedupKey(rawURL string) (string, error) {
	normalized, err := Normalize(rawURL)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return "", fmt.Errorf("parse normalized url: %w", err)
	}
	p := u.EscapedPath()
	if p != "/" {
		p = strings.TrimSuffix(p, "/")
	}
	key := u.Host + p
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	return key, nil
}

// Host extracts the lowercased hostname of a URL, or "" when unparseable.
func Host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
