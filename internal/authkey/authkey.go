// Package authkey derives the client authentication key from the request.
package authkey

import (
	"net/http"
	"strings"
)

// Extract returns the client key for a request, trying in order the
// /translate/<key> path segment, the x-goog-api-key header and the
// Authorization header (with an optional Bearer prefix). Whitespace-only
// values count as absent.
func Extract(r *http.Request) string {
	if r.Method == http.MethodPost {
		if key := fromPath(r.URL.Path); key != "" {
			return key
		}
	}
	if key := strings.TrimSpace(r.Header.Get("x-goog-api-key")); key != "" {
		return key
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if auth == "" {
		return ""
	}
	if len(auth) >= 7 && strings.EqualFold(auth[:7], "bearer ") {
		auth = strings.TrimSpace(auth[7:])
	}
	return auth
}

func fromPath(path string) string {
	const prefix = "/translate/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	rest := strings.TrimPrefix(path, prefix)
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return strings.TrimSpace(rest)
}
