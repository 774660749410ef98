package crawler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ndejong/schoolscan/internal/config"
	"github.com/ndejong/schoolscan/internal/telemetry"
)

// PageStore is the shared cross-site page cache the crawler consults before
// fetching.
type PageStore interface {
	Get(url, siteID string) (Page, bool)
	Put(url string, page Page, siteID string)
}

// Crawler walks one site breadth-first from its seed URL.
type Crawler struct {
	cfg      config.CrawlConfig
	plain    Fetcher
	browser  Fetcher
	skip     *SkipList
	store    PageStore
	relevant func(string) bool
	metrics  *telemetry.Metrics
	log      *zap.Logger
}

// Options assembles a Crawler's collaborators. Browser may be nil to disable
// headless retries; Relevant may be nil to disable the quick content check.
type Options struct {
	Config   config.CrawlConfig
	Plain    Fetcher
	Browser  Fetcher
	Skip     *SkipList
	Store    PageStore
	Relevant func(string) bool
	Metrics  *telemetry.Metrics
	Log      *zap.Logger
}

// New builds a site crawler.
func New(opts Options) (*Crawler, error) {
	if opts.Plain == nil {
		return nil, fmt.Errorf("plain fetcher is required")
	}
	if opts.Skip == nil {
		var err error
		opts.Skip, err = NewSkipList(opts.Config.SkipURLPatterns)
		if err != nil {
			return nil, err
		}
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNop()
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Crawler{
		cfg:      opts.Config,
		plain:    opts.Plain,
		browser:  opts.Browser,
		skip:     opts.Skip,
		store:    opts.Store,
		relevant: opts.Relevant,
		metrics:  opts.Metrics,
		log:      opts.Log,
	}, nil
}

type queueItem struct {
	url   string
	depth int
}

// Crawl walks the site rooted at seedURL. Content pages are bounded by
// MaxPages; link-only pages matching skip patterns ride along under a wider
// total budget so one calendar widget cannot stall a run.
func (c *Crawler) Crawl(ctx context.Context, seedURL, siteID string) (Result, error) {
	started := time.Now()

	seed, err := Canonicalize(seedURL)
	if err != nil {
		return Result{}, &FetchError{Kind: KindInvalidURL, URL: seedURL, Err: err}
	}
	seedHost, err := Host(seed)
	if err != nil {
		return Result{}, &FetchError{Kind: KindInvalidURL, URL: seedURL, Err: err}
	}

	delay := newAdaptiveDelay(c.cfg.Delay(), c.cfg.MinDelay(), c.cfg.MaxDelay())
	visited := make(map[string]struct{})
	queue := []queueItem{{url: seed, depth: 0}}

	result := Result{SeedURL: seed}
	contentPages := 0
	totalBudget := c.cfg.MaxPages + c.cfg.MaxPages/2

	for len(queue) > 0 {
		if ctx.Err() != nil {
			break
		}
		item := queue[0]
		queue = queue[1:]

		if _, seen := visited[item.url]; seen {
			continue
		}
		visited[item.url] = struct{}{}

		linkOnly := item.depth > 0 && c.skip.Match(item.url)
		if !linkOnly && contentPages >= c.cfg.MaxPages {
			continue
		}
		if result.PagesVisited >= totalBudget {
			break
		}

		page, cached, err := c.getPage(ctx, item, seedHost, siteID, delay)
		if err != nil {
			result.Errors = append(result.Errors, err)
			c.logFetchError(seed, item.url, err)
			continue
		}
		page.Depth = item.depth
		page.LinkOnly = linkOnly

		result.PagesVisited++
		if !linkOnly {
			contentPages++
		}
		if !cached {
			final, ferr := Canonicalize(page.FinalURL)
			if ferr == nil && final != item.url {
				visited[final] = struct{}{}
			}
		}

		result.Pages = append(result.Pages, page)

		if item.depth >= c.cfg.MaxDepth {
			continue
		}
		if !linkOnly && c.skipLinks(page) {
			continue
		}
		for _, link := range page.Links {
			host, herr := Host(link)
			if herr != nil || ExternalHost(host) || !SameSite(seedHost, host) {
				continue
			}
			if _, seen := visited[link]; seen {
				continue
			}
			queue = append(queue, queueItem{url: link, depth: item.depth + 1})
		}
	}

	result.Elapsed = time.Since(started)
	return result, ctx.Err()
}

// skipLinks reports whether a content page's links should not be followed:
// under require_relevant_content the page must mention a search term at all,
// and under the quick content check a page with too little text is followed
// only when some of that text is relevant.
func (c *Crawler) skipLinks(page Page) bool {
	if c.cfg.RequireRelevant && c.relevant != nil && !c.relevant(page.Text) {
		return true
	}
	if !c.cfg.QuickContentCheck {
		return false
	}
	if len(page.Text) >= c.cfg.MinContentLength {
		return false
	}
	return c.relevant == nil || !c.relevant(page.Text)
}

func (c *Crawler) getPage(ctx context.Context, item queueItem, seedHost, siteID string, delay *adaptiveDelay) (Page, bool, error) {
	if c.store != nil {
		if page, ok := c.store.Get(item.url, siteID); ok {
			c.metrics.CacheHits.Inc()
			return page, true, nil
		}
		c.metrics.CacheMisses.Inc()
	}

	if err := sleepCtx(ctx, delay.Current()); err != nil {
		return Page{}, false, NewFetchError(item.url, err)
	}

	page, err := c.fetchPage(ctx, item, seedHost)
	if err != nil {
		delay.RecordError()
		var fe *FetchError
		if asFetchError(err, &fe) {
			c.metrics.FetchErrors.WithLabelValues(string(fe.Kind)).Inc()
		}
		return Page{}, false, err
	}
	delay.RecordSuccess()
	c.metrics.PagesFetched.WithLabelValues(string(page.Client)).Inc()

	if c.store != nil {
		c.store.Put(item.url, page, siteID)
		if final, ferr := Canonicalize(page.FinalURL); ferr == nil && final != item.url {
			c.store.Put(final, page, siteID)
		}
	}
	return page, false, nil
}

// fetchPage fetches a URL and parses it. The browser client is preferred for
// the seed page; deeper pages start with the plain client and retry with the
// browser when the fetch failed retryably or the result looks like a bot
// challenge. A challenge page that the browser cannot bypass is kept,
// flagged degraded.
func (c *Crawler) fetchPage(ctx context.Context, item queueItem, seedHost string) (Page, error) {
	primary, kind := c.plain, ClientPlain
	if c.browser != nil && item.depth == 0 {
		primary, kind = c.browser, ClientBrowser
	}

	fetched, err := primary.Fetch(ctx, item.url, seedHost)
	if err != nil {
		if kind != ClientBrowser && c.browser != nil {
			var fe *FetchError
			if asFetchError(err, &fe) && fe.Retryable() {
				c.metrics.BotRetries.Inc()
				if retried, rerr := c.browser.Fetch(ctx, item.url, seedHost); rerr == nil {
					return c.buildPage(item.url, retried, ClientBrowser)
				}
			}
		}
		return Page{}, err
	}

	page, err := c.buildPage(item.url, fetched, kind)
	if err != nil {
		return Page{}, err
	}

	if LooksLikeBotProtection(fetched.Body) {
		if kind != ClientBrowser && c.browser != nil {
			c.metrics.BotRetries.Inc()
			if retried, rerr := c.browser.Fetch(ctx, item.url, seedHost); rerr == nil && !LooksLikeBotProtection(retried.Body) {
				if bypassed, berr := c.buildPage(item.url, retried, ClientBrowser); berr == nil {
					return bypassed, nil
				}
			}
		}
		page.Degraded = true
	}
	return page, nil
}

func (c *Crawler) buildPage(rawURL string, fetched Fetched, kind ClientKind) (Page, error) {
	title, text, links, err := Extract(fetched.FinalURL, fetched.Body)
	if err != nil {
		return Page{}, NewFetchError(rawURL, err)
	}
	return Page{
		URL:       rawURL,
		FinalURL:  fetched.FinalURL,
		Title:     title,
		Text:      text,
		Links:     links,
		FetchedAt: time.Now().UTC(),
		Client:    kind,
	}, nil
}

// logFetchError keeps noise down: redirects that left the site are expected
// on school sites full of vendor links and stay at debug.
func (c *Crawler) logFetchError(seed, url string, err error) {
	var fe *FetchError
	if asFetchError(err, &fe) && fe.Kind == KindDomainViolation {
		c.log.Debug("fetch aborted outside site domain",
			zap.String("seed", seed), zap.String("url", url))
		return
	}
	c.log.Warn("page fetch failed",
		zap.String("seed", seed), zap.String("url", url), zap.Error(err))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
