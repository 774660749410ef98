package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// Canonicalize normalizes a URL for dedup: lowercase scheme and host,
// default ports and fragments stripped, trailing slash removed from
// non-root paths. An empty scheme defaults to https.
func Canonicalize(rawURL string) (string, error) {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if h, p, ok := strings.Cut(u.Host, ":"); ok {
		if (u.Scheme == "http" && p == "80") || (u.Scheme == "https" && p == "443") {
			u.Host = h
		}
	}
	u.Fragment = ""
	if u.Path == "" {
		u.Path = "/"
	} else if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	return u.String(), nil
}

// ResolveLink resolves href against the page URL and canonicalizes the
// result. Non-navigable links (mailto, tel, javascript, anchors) return an
// empty string with no error.
func ResolveLink(pageURL, href string) (string, error) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", nil
	}
	lower := strings.ToLower(href)
	for _, prefix := range []string{"mailto:", "tel:", "javascript:", "data:", "ftp:"} {
		if strings.HasPrefix(lower, prefix) {
			return "", nil
		}
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse base %q: %w", pageURL, err)
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("parse href %q: %w", href, err)
	}
	return Canonicalize(base.ResolveReference(ref).String())
}

// Host returns the lowercase hostname of a URL without port.
func Host(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return strings.ToLower(u.Hostname()), nil
}

// SameSite reports whether candidate is the same host as seedHost. Every
// page a crawl collects must come from the seed's own host; the only
// tolerated variation is the www prefix, ignored in both directions. Other
// subdomains are different sites.
func SameSite(seedHost, candidateHost string) bool {
	a := strings.TrimPrefix(strings.ToLower(seedHost), "www.")
	b := strings.TrimPrefix(strings.ToLower(candidateHost), "www.")
	return a != "" && a == b
}
