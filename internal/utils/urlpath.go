package utils

import (
	"fmt"
	"net/url"
	"strings"
)

// DisplayURL shortens a backend base URL for headers and logs by dropping
// the scheme, credentials, query and trailing slash.
// Example: https://user:pw@seedbox.lan:8443/api/ -> seedbox.lan:8443/api
func DisplayURL(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}

	path := strings.TrimRight(parsed.Path, "/")
	return parsed.Host + path, nil
}

// NormalizeBaseURL turns user input such as "localhost:8080" or
// "http://host:8080/" into an API base URL ending in the API prefix.
func NormalizeBaseURL(raw, apiPrefix string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}

	path := strings.TrimRight(parsed.Path, "/")
	if path == "" {
		path = apiPrefix
	}
	parsed.Path = path
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String(), nil
}
