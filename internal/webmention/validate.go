// Package webmention implements the synchronous request checks and the
// content inspection used when verifying a Webmention source.
package webmention

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/indieweb-endpoint/internal/indieweb"
)

// Validate performs the syntactic checks on a Webmention request. It never
// performs network I/O.
func Validate(source, target, siteBaseURL string) error {
	source = strings.TrimSpace(source)
	target = strings.TrimSpace(target)
	if source == "" || target == "" {
		return indieweb.ErrMissingParameter
	}
	if !strings.HasPrefix(target, siteBaseURL) {
		return indieweb.ErrInvalidTarget
	}
	if _, err := parseAbsolute(source); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	targetURL, err := parseAbsolute(target)
	if err != nil {
		return fmt.Errorf("target: %w", err)
	}
	base, err := url.Parse(siteBaseURL)
	if err != nil || targetURL.Scheme != base.Scheme || targetURL.Host != base.Host {
		return indieweb.ErrInvalidTarget
	}
	if source == target {
		return fmt.Errorf("%w: source and target are the same", indieweb.ErrInvalidTarget)
	}
	return nil
}

func parseAbsolute(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", indieweb.ErrMalformedURL, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not absolute", indieweb.ErrMalformedURL, raw)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", indieweb.ErrMalformedURL, u.Scheme)
	}
	return u, nil
}
