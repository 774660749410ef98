package crawler

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/ndejong/schoolscan/internal/config"
)

// BrowserClient renders pages in headless Chrome for sites that serve bot
// challenges or script-built content to plain HTTP clients. A slot channel
// bounds concurrent tabs. When Chrome cannot be started the client degrades
// to a header-mimicking HTTP fetch.
type BrowserClient struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	slots       chan struct{}
	navTimeout  time.Duration
	mimic       *MimicClient
	log         *zap.Logger
}

// NewBrowserClient starts a Chrome allocator sized by cfg. Chrome itself is
// launched lazily on the first fetch.
func NewBrowserClient(cfg config.BrowserConfig, crawl config.CrawlConfig, log *zap.Logger) *BrowserClient {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("ignore-certificate-errors", true),
		chromedp.UserAgent(crawl.UserAgent),
	)
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &BrowserClient{
		allocCtx:    allocCtx,
		allocCancel: cancel,
		slots:       make(chan struct{}, cfg.MaxParallel),
		navTimeout:  time.Duration(cfg.NavTimeoutSec) * time.Second,
		mimic:       NewMimicClient(crawl, log),
		log:         log,
	}
}

// Close tears down the Chrome allocator.
func (b *BrowserClient) Close() {
	b.allocCancel()
}

// Fetch renders rawURL and returns the rendered document. Navigation that
// ends outside the site rooted at seedHost is a domain violation.
func (b *BrowserClient) Fetch(ctx context.Context, rawURL, seedHost string) (Fetched, error) {
	select {
	case b.slots <- struct{}{}:
		defer func() { <-b.slots }()
	case <-ctx.Done():
		return Fetched{}, NewFetchError(rawURL, ctx.Err())
	}

	fetched, err := b.render(ctx, rawURL, seedHost)
	if err == nil {
		return fetched, nil
	}

	b.log.Debug("headless render failed, falling back to header mimic",
		zap.String("url", rawURL), zap.Error(err))
	return b.mimic.Fetch(ctx, rawURL, seedHost)
}

func (b *BrowserClient) render(ctx context.Context, rawURL, seedHost string) (Fetched, error) {
	tabCtx, cancelTab := chromedp.NewContext(b.allocCtx)
	defer cancelTab()
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, b.navTimeout)
	defer cancelTimeout()

	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	var status int
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		if resp, ok := ev.(*network.EventResponseReceived); ok {
			if resp.Type == network.ResourceTypeDocument && status == 0 {
				status = int(resp.Response.Status)
			}
		}
	})

	var html, location string
	err := chromedp.Run(tabCtx,
		network.Enable(),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body"),
		chromedp.Sleep(1500*time.Millisecond),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return Fetched{}, NewFetchError(rawURL, fmt.Errorf("headless render: %w", err))
	}

	host, err := Host(location)
	if err != nil || !SameSite(seedHost, host) {
		return Fetched{}, NewFetchError(rawURL, errExternalRedirect)
	}
	if status == 0 {
		status = http.StatusOK
	}
	if status >= 400 {
		return Fetched{}, NewFetchError(rawURL, &HTTPStatusError{StatusCode: status})
	}

	return Fetched{
		Body:       []byte(html),
		FinalURL:   location,
		StatusCode: status,
	}, nil
}

// MimicClient is a plain HTTP client that sends the request headers a real
// browser would. It handles sites that only gate on headers, and serves as
// the fallback when Chrome is unavailable.
type MimicClient struct {
	client *http.Client
	ua     string
	log    *zap.Logger
}

// NewMimicClient builds a header-mimicking client. Certificate verification
// is skipped; this client only runs after the verified path already failed.
func NewMimicClient(cfg config.CrawlConfig, log *zap.Logger) *MimicClient {
	return &MimicClient{
		client: &http.Client{
			Timeout: cfg.Timeout(),
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		ua:  cfg.UserAgent,
		log: log,
	}
}

// Fetch retrieves rawURL with browser-like headers, enforcing the same
// redirect rules as the plain client.
func (m *MimicClient) Fetch(ctx context.Context, rawURL, seedHost string) (Fetched, error) {
	client := *m.client
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirectHops {
			return errTooManyRedirects
		}
		if !SameSite(seedHost, req.URL.Hostname()) {
			return errExternalRedirect
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Fetched{}, NewFetchError(rawURL, err)
	}
	req.Header.Set("User-Agent", m.ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Site", "none")
	req.Header.Set("Upgrade-Insecure-Requests", "1")

	resp, err := client.Do(req)
	if err != nil {
		return Fetched{}, NewFetchError(rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Fetched{}, NewFetchError(rawURL, &HTTPStatusError{StatusCode: resp.StatusCode})
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return Fetched{}, NewFetchError(rawURL, err)
	}

	return Fetched{
		Body:       body,
		FinalURL:   resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Unverified: true,
	}, nil
}
