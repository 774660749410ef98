package crawler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ndejong/schoolscan/internal/config"
)

type stubFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	errs  map[string]error
	calls []string
}

func (s *stubFetcher) Fetch(_ context.Context, rawURL, _ string) (Fetched, error) {
	s.mu.Lock()
	s.calls = append(s.calls, rawURL)
	s.mu.Unlock()
	if err, ok := s.errs[rawURL]; ok {
		return Fetched{}, NewFetchError(rawURL, err)
	}
	body, ok := s.pages[rawURL]
	if !ok {
		return Fetched{}, NewFetchError(rawURL, &HTTPStatusError{StatusCode: 404})
	}
	return Fetched{Body: []byte(body), FinalURL: rawURL, StatusCode: 200}, nil
}

func (s *stubFetcher) callCount(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == url {
			n++
		}
	}
	return n
}

func page(title string, body string, links ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<html><head><title>%s</title></head><body><p>%s</p>", title, body)
	for _, l := range links {
		fmt.Fprintf(&b, `<a href=%q>link</a>`, l)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func longText(s string) string {
	return strings.Repeat(s+" ", 60)
}

func schedulerConfig() config.CrawlConfig {
	return config.CrawlConfig{
		MaxDepth:          3,
		MaxPages:          100,
		TimeoutSeconds:    5,
		MinDelaySeconds:   0.000001,
		MaxDelaySeconds:   0.000002,
		DelaySeconds:      0.000001,
		MinContentLength:  200,
		QuickContentCheck: true,
		SkipURLPatterns:   config.DefaultSkipPatterns,
	}
}

func newTestCrawler(t *testing.T, opts Options) *Crawler {
	t.Helper()
	if opts.Config.MaxPages == 0 {
		opts.Config = schedulerConfig()
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func TestCrawlWalksSiteBreadthFirst(t *testing.T) {
	fetcher := &stubFetcher{pages: map[string]string{
		"https://example.org/":      page("Home", longText("welcome to our district"), "/about", "/schools"),
		"https://example.org/about": page("About", longText("about our mission")),
		"https://example.org/schools": page("Schools", longText("our schools"),
			"/schools/lincoln", "https://other.example.com/external"),
		"https://example.org/schools/lincoln": page("Lincoln", longText("lincoln elementary")),
	}}

	c := newTestCrawler(t, Options{Plain: fetcher})
	result, err := c.Crawl(context.Background(), "https://example.org/", "site-1")
	require.NoError(t, err)

	require.Equal(t, 4, result.PagesVisited)
	require.Empty(t, result.Errors)

	var urls []string
	for _, p := range result.Pages {
		urls = append(urls, p.URL)
	}
	require.Equal(t, []string{
		"https://example.org/",
		"https://example.org/about",
		"https://example.org/schools",
		"https://example.org/schools/lincoln",
	}, urls)
	require.Equal(t, 2, result.Pages[3].Depth)

	// the cross-domain link was never requested
	require.Zero(t, fetcher.callCount("https://other.example.com/external"))
}

func TestCrawlHonorsMaxDepth(t *testing.T) {
	fetcher := &stubFetcher{pages: map[string]string{
		"https://example.org/":   page("Home", longText("home"), "/a"),
		"https://example.org/a":  page("A", longText("a"), "/ab"),
		"https://example.org/ab": page("AB", longText("ab"), "/abc"),
	}}

	cfg := schedulerConfig()
	cfg.MaxDepth = 1
	c := newTestCrawler(t, Options{Config: cfg, Plain: fetcher})
	result, err := c.Crawl(context.Background(), "https://example.org/", "site-1")
	require.NoError(t, err)
	require.Equal(t, 2, result.PagesVisited)
	require.Zero(t, fetcher.callCount("https://example.org/ab"))
}

func TestCrawlHonorsPageBudget(t *testing.T) {
	pages := map[string]string{}
	links := make([]string, 20)
	for i := range links {
		links[i] = fmt.Sprintf("/page/%d", i)
		pages[fmt.Sprintf("https://example.org/page/%d", i)] = page("P", longText("content"))
	}
	pages["https://example.org/"] = page("Home", longText("home"), links...)

	cfg := schedulerConfig()
	cfg.MaxPages = 5
	c := newTestCrawler(t, Options{Config: cfg, Plain: &stubFetcher{pages: pages}})
	result, err := c.Crawl(context.Background(), "https://example.org/", "site-1")
	require.NoError(t, err)
	require.Equal(t, 5, result.PagesVisited)
}

func TestCrawlSkipPagesAreLinkOnly(t *testing.T) {
	fetcher := &stubFetcher{pages: map[string]string{
		"https://example.org/":       page("Home", longText("home"), "/login"),
		"https://example.org/login":  page("Login", "sign in here", "/hidden"),
		"https://example.org/hidden": page("Hidden", longText("restorative justice program")),
	}}

	c := newTestCrawler(t, Options{Plain: fetcher})
	result, err := c.Crawl(context.Background(), "https://example.org/", "site-1")
	require.NoError(t, err)

	byURL := map[string]Page{}
	for _, p := range result.Pages {
		byURL[p.URL] = p
	}
	require.True(t, byURL["https://example.org/login"].LinkOnly)
	require.False(t, byURL["https://example.org/"].LinkOnly)

	// links from the skipped page are still followed, even though its body
	// is below the content threshold
	require.Contains(t, byURL, "https://example.org/hidden")
}

func TestCrawlSkipPagesOutsideContentBudget(t *testing.T) {
	fetcher := &stubFetcher{pages: map[string]string{
		"https://example.org/":      page("Home", longText("home"), "/login", "/about"),
		"https://example.org/login": page("Login", "sign in"),
		"https://example.org/about": page("About", longText("about")),
	}}

	cfg := schedulerConfig()
	cfg.MaxPages = 2
	c := newTestCrawler(t, Options{Config: cfg, Plain: fetcher})
	result, err := c.Crawl(context.Background(), "https://example.org/", "site-1")
	require.NoError(t, err)

	// home + about count against the budget, login rides along
	require.Equal(t, 3, result.PagesVisited)
}

func TestCrawlSuppressesLinksFromThinPages(t *testing.T) {
	fetcher := &stubFetcher{pages: map[string]string{
		"https://example.org/":     page("Home", longText("home"), "/thin"),
		"https://example.org/thin": page("Thin", "nothing here", "/unreached"),
	}}

	c := newTestCrawler(t, Options{Plain: fetcher})
	result, err := c.Crawl(context.Background(), "https://example.org/", "site-1")
	require.NoError(t, err)
	require.Equal(t, 2, result.PagesVisited)
	require.Zero(t, fetcher.callCount("https://example.org/unreached"))
}

func TestCrawlFollowsLinksFromThinRelevantPages(t *testing.T) {
	fetcher := &stubFetcher{pages: map[string]string{
		"https://example.org/":     page("Home", longText("home"), "/thin"),
		"https://example.org/thin": page("Thin", "restorative justice", "/reached"),
		"https://example.org/reached": page("Reached", longText("more")),
	}}

	c := newTestCrawler(t, Options{
		Plain: fetcher,
		Relevant: func(text string) bool {
			return strings.Contains(strings.ToLower(text), "restorative justice")
		},
	})
	result, err := c.Crawl(context.Background(), "https://example.org/", "site-1")
	require.NoError(t, err)
	require.Equal(t, 3, result.PagesVisited)
}

func TestCrawlRequireRelevantGatesLinkFollowing(t *testing.T) {
	relevant := func(text string) bool {
		return strings.Contains(strings.ToLower(text), "restorative justice")
	}
	pages := map[string]string{
		"https://example.org/":        page("Home", longText("sports and lunch menus"), "/a"),
		"https://example.org/a":       page("A", longText("more sports")),
		"https://other.example.org/":  page("Home", longText("our restorative justice program"), "/b"),
		"https://other.example.org/b": page("B", longText("program details")),
	}

	cfg := schedulerConfig()
	cfg.RequireRelevant = true

	// an irrelevant page's links are not followed
	c := newTestCrawler(t, Options{Config: cfg, Plain: &stubFetcher{pages: pages}, Relevant: relevant})
	result, err := c.Crawl(context.Background(), "https://example.org/", "site-1")
	require.NoError(t, err)
	require.Equal(t, 1, result.PagesVisited)

	// a relevant page's links are
	result, err = c.Crawl(context.Background(), "https://other.example.org/", "site-2")
	require.NoError(t, err)
	require.Equal(t, 2, result.PagesVisited)
}

func TestCrawlCollectsErrorsAndContinues(t *testing.T) {
	fetcher := &stubFetcher{
		pages: map[string]string{
			"https://example.org/":      page("Home", longText("home"), "/broken", "/about"),
			"https://example.org/about": page("About", longText("about")),
		},
		errs: map[string]error{
			"https://example.org/broken": errExternalRedirect,
		},
	}

	c := newTestCrawler(t, Options{Plain: fetcher})
	result, err := c.Crawl(context.Background(), "https://example.org/", "site-1")
	require.NoError(t, err)
	require.Equal(t, 2, result.PagesVisited)
	require.Len(t, result.Errors, 1)

	var fe *FetchError
	require.True(t, asFetchError(result.Errors[0], &fe))
	require.Equal(t, KindDomainViolation, fe.Kind)
}

func TestCrawlErrorLogLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	fetcher := &stubFetcher{
		pages: map[string]string{
			"https://example.org/": page("Home", longText("home"), "/external", "/broken"),
		},
		errs: map[string]error{
			"https://example.org/external": errExternalRedirect,
			"https://example.org/broken":   &HTTPStatusError{StatusCode: 500},
		},
	}

	c := newTestCrawler(t, Options{Plain: fetcher, Log: zap.New(core)})
	_, err := c.Crawl(context.Background(), "https://example.org/", "site-1")
	require.NoError(t, err)

	// a redirect that left the site stays at debug, a real failure warns
	debugs := logs.FilterMessage("fetch aborted outside site domain").All()
	require.Len(t, debugs, 1)
	require.Equal(t, zapcore.DebugLevel, debugs[0].Level)

	warns := logs.FilterMessage("page fetch failed").All()
	require.Len(t, warns, 1)
	require.Equal(t, zapcore.WarnLevel, warns[0].Level)
}

type stubStore struct {
	mu    sync.Mutex
	pages map[string]Page
	puts  int
}

func (s *stubStore) Get(url, _ string) (Page, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[url]
	return p, ok
}

func (s *stubStore) Put(url string, page Page, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pages[url]; !ok {
		s.pages[url] = page
		s.puts++
	}
}

func TestCrawlUsesSharedStore(t *testing.T) {
	cachedHTML := page("Cached", longText("already fetched"))
	_, text, _, err := Extract("https://example.org/cached", []byte(cachedHTML))
	require.NoError(t, err)

	store := &stubStore{pages: map[string]Page{
		"https://example.org/cached": {URL: "https://example.org/cached", FinalURL: "https://example.org/cached", Text: text},
	}}
	fetcher := &stubFetcher{pages: map[string]string{
		"https://example.org/": page("Home", longText("home"), "/cached"),
	}}

	c := newTestCrawler(t, Options{Plain: fetcher, Store: store})
	result, err := c.Crawl(context.Background(), "https://example.org/", "site-1")
	require.NoError(t, err)

	require.Equal(t, 2, result.PagesVisited)
	require.Zero(t, fetcher.callCount("https://example.org/cached"))
	// the freshly fetched home page landed in the store
	_, ok := store.Get("https://example.org/", "site-1")
	require.True(t, ok)
}

func TestCrawlRetriesBotChallengeWithBrowser(t *testing.T) {
	challenge := page("Just a moment...", "Checking your browser before accessing")
	real := page("Home", longText("welcome to our school"))

	plain := &stubFetcher{pages: map[string]string{"https://example.org/x": challenge}}
	browser := &stubFetcher{pages: map[string]string{"https://example.org/x": real}}

	cfg := schedulerConfig()
	c := newTestCrawler(t, Options{Config: cfg, Plain: plain, Browser: browser})

	page, err := c.fetchPage(context.Background(), queueItem{url: "https://example.org/x", depth: 1}, "example.org")
	require.NoError(t, err)
	require.Equal(t, ClientBrowser, page.Client)
	require.False(t, page.Degraded)
	require.Contains(t, page.Text, "welcome to our school")
}

func TestCrawlKeepsDegradedPageWhenBypassFails(t *testing.T) {
	challenge := page("Just a moment...", "Checking your browser before accessing")

	plain := &stubFetcher{pages: map[string]string{"https://example.org/x": challenge}}
	browser := &stubFetcher{pages: map[string]string{"https://example.org/x": challenge}}

	c := newTestCrawler(t, Options{Plain: plain, Browser: browser})
	page, err := c.fetchPage(context.Background(), queueItem{url: "https://example.org/x", depth: 1}, "example.org")
	require.NoError(t, err)
	require.True(t, page.Degraded)
}

func TestCrawlBrowserPreferredForSeed(t *testing.T) {
	real := page("Home", longText("district home"))
	plain := &stubFetcher{}
	browser := &stubFetcher{pages: map[string]string{"https://example.org/": real}}

	c := newTestCrawler(t, Options{Plain: plain, Browser: browser})
	result, err := c.Crawl(context.Background(), "https://example.org/", "site-1")
	require.NoError(t, err)
	require.Len(t, result.Pages, 1)
	require.Equal(t, ClientBrowser, result.Pages[0].Client)
	require.Empty(t, plain.calls)
}

func TestCrawlRejectsInvalidSeed(t *testing.T) {
	c := newTestCrawler(t, Options{Plain: &stubFetcher{}})
	_, err := c.Crawl(context.Background(), "ftp://files.example.org/archive", "site-1")
	require.Error(t, err)

	var fe *FetchError
	require.True(t, asFetchError(err, &fe))
	require.Equal(t, KindInvalidURL, fe.Kind)
}

func TestCrawlCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fetcher := &stubFetcher{pages: map[string]string{
		"https://example.org/": page("Home", longText("home")),
	}}
	c := newTestCrawler(t, Options{Plain: fetcher})
	result, err := c.Crawl(ctx, "https://example.org/", "site-1")
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, result.PagesVisited)
}
