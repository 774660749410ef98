// Package results persists per-school scan outcomes.
package results

import (
	"context"
	"strings"
	"time"
)

// Status is the terminal outcome of one school task.
type Status string

const (
	// StatusSuccess means at least one page was scanned, match or not.
	StatusSuccess Status = "success"
	// StatusNoURL means the roster row had no site to crawl.
	StatusNoURL Status = "no_url"
	// StatusScrapeFailed means every fetch attempt failed.
	StatusScrapeFailed Status = "scrape_failed"
	// StatusError means the task hit an unexpected error.
	StatusError Status = "error"
)

// Record is one school's scan outcome. The combined match fields are broken
// out per source so a reader can tell school-site hits from district-site
// hits without reparsing snippets.
type Record struct {
	RunID        string
	SchoolName   string
	State        string
	City         string
	SchoolURL    string
	DistrictName string
	DistrictURL  string
	Status       Status

	Terms          []string
	MatchCount     int
	MatchedPages   []string
	PagesWithTerms int

	SchoolTerms          []string
	SchoolPages          []string
	SchoolMatchCount     int
	SchoolPagesWithTerms int

	DistrictTerms          []string
	DistrictPages          []string
	DistrictMatchCount     int
	DistrictPagesWithTerms int

	// Snippets are context windows rendered with their term, page URL, and
	// source, one string per occurrence.
	Snippets     []string
	Summary      string
	PagesScanned int
	ScannedAt    time.Time
}

// Matched reports whether any vocabulary term was found.
func (r Record) Matched() bool {
	return r.MatchCount > 0
}

// Store persists scan records. Implementations must be safe for concurrent
// Save calls.
type Store interface {
	Save(ctx context.Context, rec Record) error
	// ListProcessedIdentities returns the "name|state" keys of schools that
	// already have a record, for resume skipping.
	ListProcessedIdentities(ctx context.Context) (map[string]struct{}, error)
	Close() error
}

const listSeparator = "; "

func joinList(items []string) string {
	return strings.Join(items, listSeparator)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, listSeparator)
}

func normalizeLower(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
func normalizeUpper(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }
