package handlers

import (
	"strings"

	"github.com/mssola/useragent"
)

// Lowercase substrings of user agents that are not shoppers.
var botSignatures = []string{
	"bot",
	"spider",
	"crawl",
	"facebookexternalhit",
	"preview",
	"chrome-lighthouse",
	"headlesschrome/",
	"phantomjs",
	"go-http-client/",
	"curl/",
	"wget/",
	"python-requests/",
	"okhttp/",
}

// isBot reports whether rawUA looks like automated traffic. An empty agent
// counts as a bot.
func isBot(rawUA string) bool {
	if strings.TrimSpace(rawUA) == "" {
		return true
	}
	if useragent.New(rawUA).Bot() {
		return true
	}
	lower := strings.ToLower(rawUA)
	for _, sig := range botSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}
