package search

import (
	"fmt"
	"sort"
)

// Provenance tags for where a matched page was fetched from.
const (
	SourceSchool   = "school"
	SourceDistrict = "district"
	SourceUnknown  = "unknown"
)

// Snippet is one match context tagged with its term, page, and provenance.
type Snippet struct {
	Term    string `json:"term"`
	Context string `json:"context"`
	URL     string `json:"url"`
	Source  string `json:"source"`
}

// String renders the snippet with its provenance for flat sinks.
func (s Snippet) String() string {
	return fmt.Sprintf("[%s @ %s (%s)]: %s", s.Term, s.URL, s.Source, s.Context)
}

// Rollup summarizes one slice of the match picture. Slices are always
// non-nil, so downstream encoding never distinguishes "no matches" from
// "not searched".
type Rollup struct {
	Terms          []string `json:"terms"`
	PageURLs       []string `json:"page_urls"`
	Occurrences    int      `json:"occurrences"`
	PagesWithTerms int      `json:"pages_with_terms"`
}

// Aggregate is the full match picture for one site task: a combined rollup,
// independent school, district, and unknown rollups, and a flat snippet
// list with provenance. All four rollups are present even when empty.
type Aggregate struct {
	Combined Rollup    `json:"combined"`
	School   Rollup    `json:"school"`
	District Rollup    `json:"district"`
	Unknown  Rollup    `json:"unknown"`
	Snippets []Snippet `json:"snippets"`
}

// AggregateBuilder accumulates page matches from the school and district
// crawls and produces an Aggregate with ordered, deduplicated terms and
// pages.
type AggregateBuilder struct {
	school   []PageMatches
	district []PageMatches
	unknown  []PageMatches
}

// NewAggregateBuilder returns an empty builder.
func NewAggregateBuilder() *AggregateBuilder {
	return &AggregateBuilder{}
}

// AddSchool appends matches from the school's own crawl.
func (b *AggregateBuilder) AddSchool(pages ...PageMatches) *AggregateBuilder {
	b.school = append(b.school, pages...)
	return b
}

// AddDistrict appends matches from the district crawl.
func (b *AggregateBuilder) AddDistrict(pages ...PageMatches) *AggregateBuilder {
	b.district = append(b.district, pages...)
	return b
}

// AddUnknown appends matches whose origin crawl is not known.
func (b *AggregateBuilder) AddUnknown(pages ...PageMatches) *AggregateBuilder {
	b.unknown = append(b.unknown, pages...)
	return b
}

type sourcedPage struct {
	pm     PageMatches
	source string
}

// Build assembles the aggregate. The combined rollup lists school pages
// first, then district, then unknown pages not already present, keyed by
// URL; snippets follow the same order. Terms in every rollup are sorted and
// distinct.
func (b *AggregateBuilder) Build() Aggregate {
	seenURL := make(map[string]struct{})
	var combined []sourcedPage
	add := func(source string, pages []PageMatches) {
		for _, pm := range pages {
			if _, ok := seenURL[pm.URL]; ok {
				continue
			}
			seenURL[pm.URL] = struct{}{}
			combined = append(combined, sourcedPage{pm: pm, source: source})
		}
	}
	add(SourceSchool, b.school)
	add(SourceDistrict, b.district)
	add(SourceUnknown, b.unknown)

	agg := Aggregate{
		School:   rollup(b.school),
		District: rollup(b.district),
		Unknown:  rollup(b.unknown),
		Snippets: []Snippet{},
	}
	combinedPages := make([]PageMatches, 0, len(combined))
	for _, sp := range combined {
		combinedPages = append(combinedPages, sp.pm)
		for _, m := range sp.pm.Matches {
			agg.Snippets = append(agg.Snippets, Snippet{
				Term:    m.Term,
				Context: m.Context,
				URL:     sp.pm.URL,
				Source:  sp.source,
			})
		}
	}
	agg.Combined = rollup(combinedPages)
	return agg
}

func rollup(pages []PageMatches) Rollup {
	r := Rollup{Terms: []string{}, PageURLs: []string{}}
	seenTerm := make(map[string]struct{})
	for _, pm := range pages {
		r.PageURLs = append(r.PageURLs, pm.URL)
		r.Occurrences += len(pm.Matches)
		if len(pm.Matches) > 0 {
			r.PagesWithTerms++
		}
		for _, t := range pm.Terms() {
			if _, ok := seenTerm[t]; ok {
				continue
			}
			seenTerm[t] = struct{}{}
			r.Terms = append(r.Terms, t)
		}
	}
	sort.Strings(r.Terms)
	return r
}
