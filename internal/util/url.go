package util

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL validates an InfluxDB base URL and fills in the default port
// for the scheme when none is given. Trailing slashes are stripped.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if raw == "" {
		return "", fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return "", fmt.Errorf("invalid url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid url %q: missing host", raw)
	}
	if u.Port() == "" {
		if u.Scheme == "https" {
			u.Host = u.Hostname() + ":443"
		} else {
			u.Host = u.Hostname() + ":80"
		}
	}
	return u.String(), nil
}
