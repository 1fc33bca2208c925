// Package hostblock rejects outbound fetches to hosts a Webmention source must
// never resolve to: local names, literal private addresses and configured
// patterns.
package hostblock

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

// Blocklist stores exact hosts and suffix wildcards derived from configuration.
type Blocklist struct {
	exact        map[string]struct{}
	suffixes     []string
	allowPrivate bool
}

// New builds a Blocklist. Patterns are exact hosts ("example.org") or
// suffix wildcards ("*.example.org", ".example.org"). allowPrivate disables
// the loopback/private address checks, which is only useful in tests.
func New(patterns []string, allowPrivate bool) *Blocklist {
	b := &Blocklist{
		exact:        make(map[string]struct{}),
		allowPrivate: allowPrivate,
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
		case strings.HasPrefix(value, "*."):
			b.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			b.addSuffix(strings.TrimPrefix(value, "."))
		default:
			b.exact[value] = struct{}{}
		}
	}
	return b
}

func (b *Blocklist) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range b.suffixes {
		if existing == suffix {
			return
		}
	}
	b.suffixes = append(b.suffixes, suffix)
}

// Allow returns an error when rawURL points at a blocked host.
func (b *Blocklist) Allow(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return fmt.Errorf("url %q has no host", rawURL)
	}
	if b.IsBlocked(host) {
		return fmt.Errorf("host %s is blocked", host)
	}
	return nil
}

// IsBlocked reports whether host matches a pattern or is a local address.
func (b *Blocklist) IsBlocked(host string) bool {
	if b == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if !b.allowPrivate && isLocal(host) {
		return true
	}
	if _, exact := b.exact[host]; exact {
		return true
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

func isLocal(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	addr, err := netip.ParseAddr(strings.Trim(host, "[]"))
	if err != nil {
		return false
	}
	return IsPrivateAddr(addr)
}

// IsPrivateAddr reports whether addr is loopback, private, link-local,
// unspecified or multicast. IPv4-mapped IPv6 addresses are checked as IPv4.
func IsPrivateAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsUnspecified() || addr.IsMulticast()
}
