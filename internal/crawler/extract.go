package crawler

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Extract parses an HTML body into title, visible text, and resolved links.
// Script, style, and other non-content elements are dropped before text
// extraction. Links are canonicalized and deduplicated in document order.
func Extract(pageURL string, body []byte) (title, text string, links []string, err error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", "", nil, fmt.Errorf("parse html: %w", err)
	}

	title = strings.TrimSpace(doc.Find("title").First().Text())

	// links first: nav and footer anchors matter for discovery even though
	// their text is boilerplate
	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		resolved, rerr := ResolveLink(pageURL, href)
		if rerr != nil || resolved == "" {
			return
		}
		if _, ok := seen[resolved]; ok {
			return
		}
		seen[resolved] = struct{}{}
		links = append(links, resolved)
	})

	doc.Find("script, style, noscript, iframe, svg, template, nav, header, footer").Remove()
	text = collapseWhitespace(doc.Find("body").Text())
	if text == "" {
		text = collapseWhitespace(doc.Text())
	}

	return title, text, links, nil
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
