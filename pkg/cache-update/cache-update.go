package cacheupdate

import (
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var delayRegexp = regexp.MustCompile(`(?i)\bdelay=(\d+)`)

// MaxDelay bounds the delay a response can ask for.
const MaxDelay = 10 * time.Minute

// CacheUpdate represents a single `Cache-Update` entry.
type CacheUpdate struct {
	// Fully resolved relative path to the resource.
	// Equivalent to `url.URL.Path`.
	Path string
	// Update delay, i.e. delay update by this duration.
	Delay time.Duration
}

// GetCacheUpdates gets the updates specified by the response to an unsafe request.
// The incoming request is used in order to resolve potentially relative update paths.
func GetCacheUpdates(req *http.Request, header http.Header) []CacheUpdate {
	if !UnsafeRequest(req) {
		return nil
	}
	updates := make([]CacheUpdate, 0)
	for _, update := range header.Values("Cache-Update") {
		cu := CacheUpdate{}
		cu.Path = getURL(req, update).Path
		cu.Delay = getDelay(update)

		updates = append(updates, cu)
	}
	return updates
}

// UnsafeRequest reports whether the request method may change state on the origin.
func UnsafeRequest(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	}
	return true
}

// getURL returns the URL to update the cache for from the `Cache-Update` header parameter.
// The URL is the first parameter in the header value (separated by a semicolon).
func getURL(r *http.Request, update string) *url.URL {
	possiblyRelativeURL, _, _ := strings.Cut(update, ";")
	return r.URL.ResolveReference(&url.URL{Path: strings.TrimSpace(possiblyRelativeURL)})
}

// getDelay returns the delay to wait before updating the cache for from the `Cache-Update` header parameter.
// The delay directive syntax is `delay=N`, where N is the number of seconds to wait.
// Directives are separated by a semicolon.
// If no delay directive is found, it returns 0. Longer delays are capped at MaxDelay.
func getDelay(update string) time.Duration {
	matches := delayRegexp.FindStringSubmatch(update)
	if matches == nil {
		return 0
	}
	// only fails on overflow, the pattern allows nothing but digits
	delay, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil || delay > int64(MaxDelay/time.Second) {
		return MaxDelay
	}
	return time.Duration(delay) * time.Second
}
