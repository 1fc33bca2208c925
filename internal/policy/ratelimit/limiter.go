// Package ratelimit implements per-host token buckets for outbound fetches.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/indieweb-endpoint/internal/metrics"
)

const (
	defaultMaxHosts = 10000
	defaultIdleTTL  = 10 * time.Minute
)

// Config holds rate limiter configuration.
type Config struct {
	// PerHostRPS is the sustained request rate per source host. Zero or
	// negative disables limiting.
	PerHostRPS float64
	Burst      int
	// MaxHosts caps how many host buckets are kept; the least recently used
	// bucket is dropped first.
	MaxHosts int
	// IdleTTL drops a host bucket that has not been used for this long.
	IdleTTL time.Duration
}

// Limiter manages per-host rate limits.
type Limiter struct {
	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
	rate     rate.Limit
	burst    int
	observe  func(d time.Duration)
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.PerHostRPS)
	if cfg.PerHostRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if cfg.MaxHosts <= 0 {
		cfg.MaxHosts = defaultMaxHosts
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	metrics.Init()
	return &Limiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](cfg.MaxHosts, nil, cfg.IdleTTL),
		rate:     r,
		burst:    burst,
		observe:  metrics.ObserveRateLimitDelay,
	}
}

// Wait blocks until a token is available for the URL's host.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	limiter := l.limiterFor(hostOf(rawURL))

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond && l.observe != nil {
		l.observe(waited)
	}
	return nil
}

// Hosts reports how many host buckets are currently held.
func (l *Limiter) Hosts() int {
	return l.limiters.Len()
}

func (l *Limiter) limiterFor(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters.Get(host)
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
	}
	// Re-adding restarts the expiry so only idle hosts age out.
	l.limiters.Add(host, limiter)
	return limiter
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
