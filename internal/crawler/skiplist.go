package crawler

import (
	"fmt"
	"regexp"
	"strings"
)

// SkipList matches URLs against configured skip patterns. Matched pages are
// excluded from content search but may still be fetched for link discovery.
type SkipList struct {
	patterns []*regexp.Regexp
}

// NewSkipList compiles the given patterns case-insensitively.
func NewSkipList(patterns []string) (*SkipList, error) {
	sl := &SkipList{patterns: make([]*regexp.Regexp, 0, len(patterns))}
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("compile skip pattern %q: %w", p, err)
		}
		sl.patterns = append(sl.patterns, re)
	}
	return sl, nil
}

// Match reports whether the URL hits any skip pattern.
func (s *SkipList) Match(rawURL string) bool {
	for _, re := range s.patterns {
		if re.MatchString(rawURL) {
			return true
		}
	}
	return false
}

// ExternalHost reports whether the URL points at a host that is never part
// of a school site, such as a social network. These links are not followed
// at all.
func ExternalHost(host string) bool {
	host = strings.ToLower(host)
	for _, domain := range socialDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

var socialDomains = []string{
	"facebook.com",
	"twitter.com",
	"x.com",
	"instagram.com",
	"youtube.com",
	"linkedin.com",
	"pinterest.com",
	"tiktok.com",
	"flickr.com",
	"vimeo.com",
}
