package capture

import (
	"net/http"
	"strings"
)

// Suffix marks the gacha log endpoint
const Suffix = "getGachaLog"

// Matches reports whether path (query excluded) ends with Suffix
func Matches(path string) bool {
	return strings.HasSuffix(path, Suffix)
}

// Sniff returns the absolute https URL of a decrypted request whose path ends
// with Suffix. The authority comes from the Host header and the path and
// query are kept exactly as the client sent them.
func Sniff(req *http.Request) (string, bool) {
	if req == nil || req.URL == nil || req.Host == "" {
		return "", false
	}
	if !Matches(req.URL.Path) {
		return "", false
	}

	requestURI := req.RequestURI
	if !strings.HasPrefix(requestURI, "/") {
		requestURI = req.URL.RequestURI()
	}

	return "https://" + req.Host + requestURI, true
}
