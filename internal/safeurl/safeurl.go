// Package safeurl validates and redacts source URLs before they are stored
// or logged.
package safeurl

import "net/url"

// IsHTTPOrHTTPS returns true if u is a valid URL with scheme http or https.
// Used to reject file://, ftp://, and other schemes that could lead to SSRF
// or local file access when a caller hands us a manifest URL.
func IsHTTPOrHTTPS(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	s := parsed.Scheme
	return s == "http" || s == "https"
}

// Redact strips userinfo and query from u for logging. Manifest URLs often
// embed tokens in the query string; those never belong in logs.
func Redact(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return "[unparseable URL]"
	}
	parsed.User = nil
	if parsed.RawQuery != "" {
		parsed.RawQuery = "[redacted]"
	}
	return parsed.String()
}
