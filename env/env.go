// Package env reads the environment variables that pick the browser the
// harness drives.
package env

import (
	"strconv"
	"strings"
)

const (
	// CDPURL is the devtools websocket URL of a running Chrome to connect to.
	CDPURL = "BROWSER_HARNESS_CDP_URL"
	// Headless turns headless mode of a launched Chrome off when false.
	Headless = "BROWSER_HARNESS_HEADLESS"
)

// LookupFunc defines a function to look up a key from the environment.
type LookupFunc func(key string) (string, bool)

// RemoteBrowser returns the devtools websocket URL set through
// BROWSER_HARNESS_CDP_URL. When a comma separated list is given the first
// non-empty URL is used.
func RemoteBrowser(envLookup LookupFunc) (string, bool) {
	v, ok := envLookup(CDPURL)
	if !ok {
		return "", false
	}
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			return part, true
		}
	}
	return "", false
}

// IsHeadless reports whether a launched Chrome should be headless. It is
// unless BROWSER_HARNESS_HEADLESS holds a false boolean.
func IsHeadless(envLookup LookupFunc) bool {
	v, ok := envLookup(Headless)
	if !ok {
		return true
	}
	headless, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return true
	}
	return headless
}
