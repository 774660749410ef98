package crawler

import "strings"

// challengeMarkers are phrases and markup tokens seen on anti-automation
// interstitials. They are checked against the raw response body, since
// several (cf-ray, challenge-platform, cf-browser-verification) only ever
// appear in markup, never in the visible text.
var challengeMarkers = []string{
	"client challenge",
	"javascript challenge",
	"cloudflare",
	"ddos protection",
	"checking your browser",
	"please enable javascript",
	"cf-browser-verification",
	"challenge-platform",
	"cf-ray",
	"just a moment",
	"enable javascript and cookies",
	"bot protection",
}

// LooksLikeBotProtection reports whether a response body is a bot-protection
// challenge rather than real content. An empty body counts as one: some
// challenge flows return nothing at all to non-browser clients.
func LooksLikeBotProtection(body []byte) bool {
	if len(body) == 0 {
		return true
	}
	lower := strings.ToLower(string(body))
	for _, m := range challengeMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
