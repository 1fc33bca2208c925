package config

import (
	"strings"

	"github.com/JakeFAU/indieweb-endpoint/internal/indieweb"
)

// Site serves site metadata from configuration.
type Site struct {
	cfg           SiteConfig
	tokenEndpoint string
}

// NewSite returns the indieweb.SiteMetadata for cfg.
func NewSite(cfg Config) *Site {
	return &Site{cfg: cfg.Site, tokenEndpoint: cfg.Auth.TokenEndpoint}
}

// BaseURL returns the canonical base URL without a trailing slash.
func (s *Site) BaseURL() string {
	return strings.TrimRight(s.cfg.BaseURL, "/")
}

// MediaEndpoint returns the advertised media endpoint, possibly empty.
func (s *Site) MediaEndpoint() string {
	return s.cfg.MediaEndpoint
}

// SyndicationTargets returns a copy of the configured targets.
func (s *Site) SyndicationTargets() []indieweb.SyndicationTarget {
	out := make([]indieweb.SyndicationTarget, len(s.cfg.SyndicateTo))
	copy(out, s.cfg.SyndicateTo)
	return out
}

// DiscoveryLinks maps Link header rel values to the configured endpoints.
func (s *Site) DiscoveryLinks() map[string]string {
	links := map[string]string{}
	add := func(rel, href string) {
		if href != "" {
			links[rel] = href
		}
	}
	add("webmention", s.cfg.WebmentionEndpoint)
	add("micropub", s.cfg.MicropubEndpoint)
	add("authorization_endpoint", s.cfg.AuthorizationEndpoint)
	add("token_endpoint", s.tokenEndpoint)
	return links
}
