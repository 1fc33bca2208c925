// Package auth verifies IndieAuth bearer tokens against a remote token
// endpoint and caches the resulting identities.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/JakeFAU/indieweb-endpoint/internal/indieweb"
	"github.com/JakeFAU/indieweb-endpoint/internal/metrics"
)

const maxIntrospectionBody = 64 << 10

// Config controls token verification.
type Config struct {
	TokenEndpoint string
	// Me, when set, is the only identity allowed to use the endpoint.
	Me        string
	Timeout   time.Duration
	CacheTTL  time.Duration
	CacheSize int
}

// Verifier implements indieweb.TokenVerifier.
type Verifier struct {
	cfg    Config
	client *http.Client
	cache  *expirable.LRU[string, indieweb.Identity]
	hasher indieweb.Hasher
	clock  indieweb.Clock
	logger *zap.Logger
}

type introspection struct {
	Me       string `json:"me"`
	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`
	Active   *bool  `json:"active"`
}

// New constructs a Verifier. A nil client gets a default one; the per-call
// timeout is always applied through the request context.
func New(
	cfg Config,
	client *http.Client,
	hasher indieweb.Hasher,
	clock indieweb.Clock,
	logger *zap.Logger,
) (*Verifier, error) {
	if _, err := url.ParseRequestURI(cfg.TokenEndpoint); err != nil {
		return nil, fmt.Errorf("auth.token_endpoint: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 2 * time.Minute
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Verifier{
		cfg:    cfg,
		client: client,
		cache:  expirable.NewLRU[string, indieweb.Identity](cfg.CacheSize, nil, cfg.CacheTTL),
		hasher: hasher,
		clock:  clock,
		logger: logger,
	}, nil
}

// Verify resolves the identity behind an Authorization header value.
func (v *Verifier) Verify(ctx context.Context, authorization string) (indieweb.Identity, error) {
	identity, _, err := v.verify(ctx, authorization, true)
	return identity, err
}

// Authorize verifies the token and checks it grants scope. A cached identity
// that lacks the scope is evicted and re-introspected once, so a token whose
// grant was widened is honoured without waiting for the cache TTL.
func (v *Verifier) Authorize(ctx context.Context, authorization, scope string) (indieweb.Identity, error) {
	identity, cached, err := v.verify(ctx, authorization, true)
	if err != nil {
		return indieweb.Identity{}, err
	}
	if identity.HasScope(scope) {
		return identity, nil
	}
	if cached {
		identity, _, err = v.verify(ctx, authorization, false)
		if err != nil {
			return indieweb.Identity{}, err
		}
		if identity.HasScope(scope) {
			return identity, nil
		}
	}
	return indieweb.Identity{}, fmt.Errorf("%w: %q required", indieweb.ErrInsufficientScope, scope)
}

func (v *Verifier) verify(ctx context.Context, authorization string, useCache bool) (indieweb.Identity, bool, error) {
	token := bearerToken(authorization)
	if token == "" {
		return indieweb.Identity{}, false, indieweb.ErrMissingToken
	}
	key, err := v.hasher.Hash([]byte(token))
	if err != nil {
		return indieweb.Identity{}, false, fmt.Errorf("hash token: %w", err)
	}
	if useCache {
		if identity, ok := v.cache.Get(key); ok {
			metrics.ObserveTokenVerification("cache_hit")
			return identity, true, nil
		}
	} else {
		v.cache.Remove(key)
	}

	identity, err := v.introspect(ctx, token)
	if err != nil {
		metrics.ObserveTokenVerification("invalid")
		v.logger.Info("token rejected", zap.Error(err))
		return indieweb.Identity{}, false, err
	}
	if v.cfg.Me != "" && normalizeMe(identity.Me) != normalizeMe(v.cfg.Me) {
		metrics.ObserveTokenVerification("forbidden")
		return indieweb.Identity{}, false, fmt.Errorf("%w: me=%s", indieweb.ErrForbidden, identity.Me)
	}
	metrics.ObserveTokenVerification("valid")
	v.cache.Add(key, identity)
	return identity, false, nil
}

func (v *Verifier) introspect(ctx context.Context, token string) (indieweb.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.TokenEndpoint, nil)
	if err != nil {
		return indieweb.Identity{}, fmt.Errorf("%w: build request: %v", indieweb.ErrTokenInvalid, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return indieweb.Identity{}, fmt.Errorf("%w: token endpoint: %v", indieweb.ErrTokenInvalid, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return indieweb.Identity{}, fmt.Errorf("%w: token endpoint status %d", indieweb.ErrTokenInvalid, resp.StatusCode)
	}

	var body introspection
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxIntrospectionBody)).Decode(&body); err != nil {
		return indieweb.Identity{}, fmt.Errorf("%w: decode response: %v", indieweb.ErrTokenInvalid, err)
	}
	if body.Active != nil && !*body.Active {
		return indieweb.Identity{}, fmt.Errorf("%w: token inactive", indieweb.ErrTokenInvalid)
	}
	if strings.TrimSpace(body.Me) == "" {
		return indieweb.Identity{}, fmt.Errorf("%w: response missing me", indieweb.ErrTokenInvalid)
	}
	return indieweb.Identity{
		Me:       body.Me,
		ClientID: body.ClientID,
		Scopes:   strings.Fields(body.Scope),
		IssuedAt: v.clock.Now(),
	}, nil
}

// bearerToken extracts the credential from "Bearer <token>". The scheme is
// case-insensitive.
func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func normalizeMe(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(raw)), "/")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}
