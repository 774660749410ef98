// Package cache holds fetched pages shared across site crawls, so a page
// reached from both a district and one of its schools is fetched once.
package cache

import (
	"sort"
	"sync"

	"github.com/ndejong/schoolscan/internal/crawler"
)

// PageCache maps canonical URLs to fetched pages. A stored page is never
// replaced; later Puts for the same URL only record the additional site.
type PageCache struct {
	mu    sync.RWMutex
	pages map[string]*entry
}

type entry struct {
	page  crawler.Page
	sites map[string]struct{}
}

// New returns an empty cache.
func New() *PageCache {
	return &PageCache{pages: make(map[string]*entry)}
}

// Get returns the cached page for url, if present, and records that siteID
// reached it.
func (c *PageCache) Get(url, siteID string) (crawler.Page, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.pages[url]
	if !ok {
		return crawler.Page{}, false
	}
	e.sites[siteID] = struct{}{}
	return e.page, true
}

// Put stores the page under url for siteID. If the URL is already cached the
// existing page wins and only the site membership grows.
func (c *PageCache) Put(url string, page crawler.Page, siteID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.pages[url]; ok {
		e.sites[siteID] = struct{}{}
		return
	}
	c.pages[url] = &entry{
		page:  page,
		sites: map[string]struct{}{siteID: {}},
	}
}

// Sites lists the site IDs that reached url, sorted.
func (c *PageCache) Sites(url string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.pages[url]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(e.sites))
	for id := range e.sites {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len reports the number of cached pages.
func (c *PageCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pages)
}
