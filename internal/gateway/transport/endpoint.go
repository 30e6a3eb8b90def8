package transport

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var schemeRE = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.\-]*://`)

// NormalizeEndpoint turns a configured endpoint into a dialable WebSocket URL.
// A bare host:port gets ws://, http(s) maps to ws(s), and the token is added
// as the "token" query parameter unless the URL already carries one.
func NormalizeEndpoint(endpoint, token string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", errors.New("gateway endpoint is empty")
	}
	if !schemeRE.MatchString(endpoint) {
		endpoint = "ws://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse gateway endpoint: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		u.Scheme = strings.ToLower(u.Scheme)
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported gateway endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("gateway endpoint %q has no host", endpoint)
	}

	token = strings.TrimSpace(token)
	if token != "" {
		q := u.Query()
		if q.Get("token") == "" {
			q.Set("token", token)
			u.RawQuery = q.Encode()
		}
	}
	return u.String(), nil
}

// RedactURL hides credentials carried in the query string or userinfo.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.User != nil {
		u.User = url.User("REDACTED")
	}
	q := u.Query()
	changed := false
	for _, key := range []string{"token", "apiKey", "password"} {
		if q.Has(key) {
			q.Set(key, "REDACTED")
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}
