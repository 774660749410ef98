// Package search finds configured vocabulary terms in crawled page text and
// aggregates the matches per site.
package search

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ndejong/schoolscan/internal/crawler"
)

// Match is one occurrence of a term with its surrounding context snippet.
type Match struct {
	Term    string `json:"term"`
	Context string `json:"context"`
}

// PageMatches groups a page's matches with its identity.
type PageMatches struct {
	URL     string  `json:"url"`
	Title   string  `json:"title,omitempty"`
	Matches []Match `json:"matches"`
}

// Terms returns the distinct terms matched on the page, in first-seen order.
func (p PageMatches) Terms() []string {
	seen := make(map[string]struct{}, len(p.Matches))
	var out []string
	for _, m := range p.Matches {
		if _, ok := seen[m.Term]; ok {
			continue
		}
		seen[m.Term] = struct{}{}
		out = append(out, m.Term)
	}
	return out
}

type compiledTerm struct {
	term string
	re   *regexp.Regexp
}

// Searcher matches a fixed vocabulary against page text as case-insensitive
// literals, so a term is found wherever its characters appear.
type Searcher struct {
	terms []compiledTerm
	half  int
}

// NewSearcher compiles the vocabulary. contextLen is the total width of the
// context window around a match; half of it lands on each side.
func NewSearcher(terms []string, contextLen int) (*Searcher, error) {
	if len(terms) == 0 {
		return nil, fmt.Errorf("no search terms given")
	}
	if contextLen <= 0 {
		contextLen = 200
	}
	s := &Searcher{half: contextLen / 2}
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)` + regexp.QuoteMeta(t))
		if err != nil {
			return nil, fmt.Errorf("compile term %q: %w", t, err)
		}
		s.terms = append(s.terms, compiledTerm{term: t, re: re})
	}
	if len(s.terms) == 0 {
		return nil, fmt.Errorf("no usable search terms")
	}
	return s, nil
}

// Relevant reports whether any term occurs in text. Cheaper than SearchText
// since it stops at the first hit.
func (s *Searcher) Relevant(text string) bool {
	for _, ct := range s.terms {
		if ct.re.MatchString(text) {
			return true
		}
	}
	return false
}

// SearchText returns every term occurrence in text with its context snippet,
// clamped to the text bounds.
func (s *Searcher) SearchText(text string) []Match {
	var matches []Match
	for _, ct := range s.terms {
		for _, loc := range ct.re.FindAllStringIndex(text, -1) {
			start := loc[0] - s.half
			if start < 0 {
				start = 0
			}
			end := loc[1] + s.half
			if end > len(text) {
				end = len(text)
			}
			matches = append(matches, Match{
				Term:    ct.term,
				Context: strings.TrimSpace(text[start:end]),
			})
		}
	}
	return matches
}

// SearchPages searches the content pages of a crawl, preserving page
// identity. Link-only pages are not searched.
func (s *Searcher) SearchPages(pages []crawler.Page) []PageMatches {
	var out []PageMatches
	for _, p := range pages {
		if p.LinkOnly || p.Text == "" {
			continue
		}
		matches := s.SearchText(p.Text)
		if len(matches) == 0 {
			continue
		}
		url := p.FinalURL
		if url == "" {
			url = p.URL
		}
		out = append(out, PageMatches{URL: url, Title: p.Title, Matches: matches})
	}
	return out
}
