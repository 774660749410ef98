// Package crawler fetches and walks the pages of a single site, staying
// within the site's domain and respecting page and depth budgets.
package crawler

import "time"

// Page is one fetched document. FinalURL differs from URL when the server
// redirected; both are recorded as visited.
type Page struct {
	URL       string
	FinalURL  string
	Title     string
	Text      string
	Links     []string
	Depth     int
	FetchedAt time.Time
	Client    ClientKind
	Degraded  bool
	LinkOnly  bool
}

// ClientKind identifies which fetch client produced a page.
type ClientKind string

const (
	ClientPlain   ClientKind = "plain"
	ClientBrowser ClientKind = "browser"
)

// Result is the outcome of crawling one site.
type Result struct {
	SeedURL      string
	Pages        []Page
	PagesVisited int
	Errors       []error
	Elapsed      time.Duration
}
