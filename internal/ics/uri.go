package ics

import (
	"net/url"
	"strings"
)

const (
	SchemeHTTP    = "http"
	SchemeHTTPS   = "https"
	SchemeContent = "content"
)

// PreparedURI is a user-entered feed address after normalization.
type PreparedURI struct {
	URL    string
	Scheme string

	// RequiresAuth is set when the entered address carried userinfo; the
	// credentials are moved here and stripped from URL.
	RequiresAuth bool
	Username     string
	Password     string
}

// PrepareURI normalizes a user-entered address: webcal/webcals become
// http/https, userinfo is extracted, and anything other than http, https or
// content is rejected with a KindMalformedURI failure.
func PrepareURI(raw string) (PreparedURI, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return PreparedURI{}, failure(KindMalformedURI, "address is empty", nil)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return PreparedURI{}, failure(KindMalformedURI, "cannot parse address", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "webcal", SchemeHTTP:
		u.Scheme = SchemeHTTP
	case "webcals", SchemeHTTPS:
		u.Scheme = SchemeHTTPS
	case SchemeContent:
		u.Scheme = SchemeContent
	case "":
		return PreparedURI{}, failure(KindMalformedURI, "address has no scheme", nil)
	default:
		return PreparedURI{}, failure(KindMalformedURI, "unsupported scheme "+u.Scheme, nil)
	}

	out := PreparedURI{Scheme: u.Scheme}

	switch u.Scheme {
	case SchemeHTTP, SchemeHTTPS:
		if u.Host == "" {
			return PreparedURI{}, failure(KindMalformedURI, "address has no host", nil)
		}
		if u.User != nil {
			out.RequiresAuth = true
			out.Username = u.User.Username()
			out.Password, _ = u.User.Password()
			u.User = nil
		}
	case SchemeContent:
		if u.User != nil || u.Host != "" {
			return PreparedURI{}, failure(KindMalformedURI, "content address must not name a host", nil)
		}
		if u.Path == "" || u.Path == "/" {
			return PreparedURI{}, failure(KindMalformedURI, "content address has no path", nil)
		}
	}

	out.URL = u.String()
	return out, nil
}

// SupportsAuthentication reports whether credentials can be sent to uri.
func SupportsAuthentication(uri string) bool {
	u, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case SchemeHTTP, SchemeHTTPS, "webcal", "webcals":
		return true
	default:
		return false
	}
}

// IsInsecure reports whether sending credentials to uri would expose them
// in cleartext.
func IsInsecure(uri string, hasCredential bool) bool {
	if !hasCredential {
		return false
	}
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, SchemeHTTP)
}

// RedactURL hides sensitive parts of a feed URL for logging purposes.
//
//	https://example.com/path/to/private.ics?token=abcd
//	-> https://example.com/...(redacted)
func RedactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	parsed, err := url.Parse(u)
	if err != nil || parsed.Scheme == "" {
		return "ics://...(redacted)"
	}
	if parsed.Scheme == SchemeContent {
		return "content://" + redactedSuffix
	}
	return parsed.Scheme + "://" + parsed.Host + redactedSuffix
}
