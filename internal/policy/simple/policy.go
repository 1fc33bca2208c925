// Package simple combines the host blocklist and per-host rate limiter into
// the indieweb.HostPolicy used by verifier workers.
package simple

import (
	"context"
	"fmt"

	"github.com/JakeFAU/indieweb-endpoint/internal/indieweb"
)

type allower interface {
	Allow(rawURL string) error
}

type waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Policy gates outbound fetches. Either collaborator may be nil.
type Policy struct {
	block allower
	limit waiter
}

// New creates a new Policy.
func New(block allower, limit waiter) *Policy {
	return &Policy{block: block, limit: limit}
}

// Allow wraps blocklist rejections in ErrBlockedHost.
func (p *Policy) Allow(rawURL string) error {
	if p == nil || p.block == nil {
		return nil
	}
	if err := p.block.Allow(rawURL); err != nil {
		return fmt.Errorf("%w: %v", indieweb.ErrBlockedHost, err)
	}
	return nil
}

// Wait blocks on the host's token bucket.
func (p *Policy) Wait(ctx context.Context, rawURL string) error {
	if p == nil || p.limit == nil {
		return nil
	}
	if err := p.limit.Wait(ctx, rawURL); err != nil {
		return fmt.Errorf("host policy: %w", err)
	}
	return nil
}
