package lib

import (
	"net/url"
	"regexp"
	"strings"
)

// CanonicalHost is the host every accepted post URL is rewritten to.
const CanonicalHost = "x.com"

var (
	schemeRe     = regexp.MustCompile(`(?i)^https?://`)
	statusPathRe = regexp.MustCompile(`^/([A-Za-z0-9_]{1,15})/status(?:es)?/(\d+)`)
)

var supportedHosts = map[string]bool{
	"x.com":       true,
	"twitter.com": true,
}

// NormalizeURL validates a post URL and returns its canonical host+path form,
// e.g. "twitter.com/user/status/1#frag" becomes "x.com/user/status/1".
func NormalizeURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", &InvalidInputError{}
	}
	if !schemeRe.MatchString(trimmed) {
		trimmed = "https://" + trimmed
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", &InvalidInputError{Input: raw, Reason: err.Error()}
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", &InvalidInputError{Input: raw, Reason: "missing host"}
	}
	if !supportedHosts[host] {
		return "", &UnsupportedHostError{Host: u.Hostname()}
	}

	path := u.EscapedPath()
	return CanonicalHost + path, nil
}

// SourceURL turns a normalized host+path into an absolute https URL.
func SourceURL(normalized string) string {
	return "https://" + normalized
}

// ParseStatusPath extracts the author handle and status id from a normalized post URL.
func ParseStatusPath(normalized string) (handle string, id string, ok bool) {
	path := strings.TrimPrefix(normalized, CanonicalHost)
	m := statusPathRe.FindStringSubmatch(path)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}
