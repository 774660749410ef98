package crawler

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/ndejong/schoolscan/internal/config"
)

const maxRedirectHops = 10

// Fetched is the raw outcome of a single HTTP fetch, before HTML parsing.
type Fetched struct {
	Body       []byte
	FinalURL   string
	StatusCode int
	Unverified bool
}

// Fetcher retrieves a single page. Implementations must be safe for
// concurrent use.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, seedHost string) (Fetched, error)
}

// PlainClient fetches pages over plain HTTP via colly. It keeps two base
// collectors, one with certificate verification and one without, and walks
// down from verified to unverified according to the TLS fallback settings.
type PlainClient struct {
	verified   *colly.Collector
	unverified *colly.Collector
	cfg        config.CrawlConfig
	log        *zap.Logger
}

// NewPlainClient builds a plain fetch client from crawl settings.
func NewPlainClient(cfg config.CrawlConfig, log *zap.Logger) *PlainClient {
	return &PlainClient{
		verified:   newCollector(cfg, false),
		unverified: newCollector(cfg, true),
		cfg:        cfg,
		log:        log,
	}
}

func newCollector(cfg config.CrawlConfig, insecure bool) *colly.Collector {
	c := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
	)
	c.SetRequestTimeout(cfg.Timeout())
	c.WithTransport(&http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout(),
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: insecure},
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	})
	return c
}

type fallbackLayer int

const (
	layerVerified fallbackLayer = iota
	layerUnverified
)

type fallbackAction int

const (
	actionFail fallbackAction = iota
	actionUnverified
	actionLastResort
)

// fallbackPolicy maps an error kind observed at a layer to the next step.
// The unverified layer is terminal; everything not listed fails.
var fallbackPolicy = map[fallbackLayer]map[ErrorKind]fallbackAction{
	layerVerified: {
		KindTLS:     actionUnverified,
		KindTimeout: actionLastResort,
		KindReset:   actionLastResort,
	},
	layerUnverified: {},
}

func (c *PlainClient) nextAction(kind ErrorKind, layer fallbackLayer) fallbackAction {
	action := fallbackPolicy[layer][kind]
	switch action {
	case actionUnverified:
		if !c.cfg.TLSFallbackUnverified {
			return actionFail
		}
	case actionLastResort:
		if !c.cfg.TLSRetryUnverified {
			return actionFail
		}
	}
	return action
}

// Fetch retrieves rawURL. Redirects are followed hop by hop; a hop that
// leaves the site rooted at seedHost aborts the fetch, as does exceeding the
// hop limit. Failed fetches walk the fallback policy from the verified to
// the unverified collector.
func (c *PlainClient) Fetch(ctx context.Context, rawURL, seedHost string) (Fetched, error) {
	if !c.cfg.VerifyTLS {
		return c.fetchWith(ctx, c.unverified, rawURL, seedHost, true)
	}

	fetched, err := c.fetchWith(ctx, c.verified, rawURL, seedHost, false)
	if err == nil {
		return fetched, nil
	}

	var fe *FetchError
	if !asFetchError(err, &fe) {
		return Fetched{}, err
	}
	switch c.nextAction(fe.Kind, layerVerified) {
	case actionUnverified:
		c.log.Warn("certificate verification failed, retrying without verification",
			zap.String("url", rawURL), zap.Error(fe.Err))
	case actionLastResort:
		c.log.Debug("retrying with unverified collector as a last resort",
			zap.String("url", rawURL), zap.String("kind", string(fe.Kind)))
	default:
		return Fetched{}, err
	}
	return c.fetchWith(ctx, c.unverified, rawURL, seedHost, true)
}

func (c *PlainClient) fetchWith(ctx context.Context, base *colly.Collector, rawURL, seedHost string, unverified bool) (Fetched, error) {
	if err := ctx.Err(); err != nil {
		return Fetched{}, NewFetchError(rawURL, err)
	}

	col := base.Clone()
	col.SetRedirectHandler(func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirectHops {
			return errTooManyRedirects
		}
		if !SameSite(seedHost, req.URL.Hostname()) {
			return errExternalRedirect
		}
		return nil
	})

	var (
		fetched  Fetched
		got      bool
		fetchErr error
	)
	col.OnResponse(func(r *colly.Response) {
		fetched = Fetched{
			Body:       r.Body,
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Unverified: unverified,
		}
		got = true
	})
	col.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= 400 {
			fetchErr = &HTTPStatusError{StatusCode: r.StatusCode}
			return
		}
		fetchErr = err
	})

	if err := col.Visit(rawURL); err != nil {
		fetchErr = err
	}
	col.Wait()

	if fetchErr != nil {
		return Fetched{}, NewFetchError(rawURL, fetchErr)
	}
	if !got {
		return Fetched{}, NewFetchError(rawURL, errNoResponse)
	}
	return fetched, nil
}
