package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/indieweb-endpoint/internal/indieweb"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimalYAML = `
site:
  base_url: http://mysite.example
auth:
  token_endpoint: https://tokens.example/token
`

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 5*time.Second, cfg.Auth.Timeout)
	require.Equal(t, 2*time.Minute, cfg.Auth.CacheTTL)
	require.Equal(t, 1024, cfg.Auth.CacheSize)
	require.Equal(t, 4, cfg.Webmention.Workers)
	require.Equal(t, 2*time.Second, cfg.Webmention.PollInterval)
	require.Equal(t, 3, cfg.Webmention.MaxAttempts)
	require.Equal(t, 30*time.Second, cfg.Webmention.BackoffInitial)
	require.Equal(t, 30*time.Minute, cfg.Webmention.BackoffMax)
	require.Equal(t, 10*time.Second, cfg.Fetcher.Timeout)
	require.Equal(t, 20*time.Second, cfg.Webmention.ClaimTTL, "claim ttl defaults to twice the fetch timeout")
	require.Equal(t, 5, cfg.Fetcher.MaxRedirects)
	require.Equal(t, 1<<20, cfg.Fetcher.MaxBodyBytes)
	require.Equal(t, 10000, cfg.Policy.MaxHosts)
	require.Equal(t, 10*time.Minute, cfg.Policy.HostIdleTTL)
	require.Equal(t, "memory", cfg.Storage.Backend)
	require.Equal(t, "none", cfg.Storage.Snapshots)

	policy := cfg.BackoffPolicy()
	require.Equal(t, 3, policy.MaxAttempts)
	require.True(t, policy.Jitter)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  port: 9090
site:
  base_url: https://mysite.example/
  media_endpoint: https://mysite.example/media
  webmention_endpoint: https://mysite.example/webmention
  micropub_endpoint: https://mysite.example/micropub
  syndicate_to:
    - uid: https://social.example/@me
      name: Social
auth:
  token_endpoint: https://tokens.example/token
  me: https://mysite.example/
  cache_ttl: 30s
webmention:
  workers: 8
  claim_ttl: 1m
  topic: mentions
fetcher:
  timeout: 3s
policy:
  blocked_hosts: ["*.internal.example"]
storage:
  backend: postgres
  snapshots: gcs
  gcs_bucket: snaps
db:
  dsn: postgres://localhost/indieweb
pubsub:
  project_id: proj
logging:
  development: true
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 30*time.Second, cfg.Auth.CacheTTL)
	require.Equal(t, 8, cfg.Webmention.Workers)
	require.Equal(t, time.Minute, cfg.Webmention.ClaimTTL)
	require.Equal(t, []string{"*.internal.example"}, cfg.Policy.BlockedHosts)
	require.Equal(t, "postgres", cfg.Storage.Backend)
	require.True(t, cfg.Logging.Development)

	site := NewSite(cfg)
	require.Equal(t, "https://mysite.example", site.BaseURL())
	require.Equal(t, "https://mysite.example/media", site.MediaEndpoint())
	require.Equal(t, []indieweb.SyndicationTarget{{UID: "https://social.example/@me", Name: "Social"}}, site.SyndicationTargets())
	require.Equal(t, map[string]string{
		"webmention":     "https://mysite.example/webmention",
		"micropub":       "https://mysite.example/micropub",
		"token_endpoint": "https://tokens.example/token",
	}, site.DiscoveryLinks())
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	valid, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server"},
		{name: "missing base url", mutate: func(c *Config) { c.Site.BaseURL = "" }, want: "site"},
		{name: "relative base url", mutate: func(c *Config) { c.Site.BaseURL = "/blog" }, want: "absolute"},
		{name: "missing token endpoint", mutate: func(c *Config) { c.Auth.TokenEndpoint = "" }, want: "auth"},
		{name: "no workers", mutate: func(c *Config) { c.Webmention.Workers = 0 }, want: "webmention"},
		{name: "backoff max below initial", mutate: func(c *Config) { c.Webmention.BackoffMax = time.Second }, want: "webmention"},
		{name: "zero fetch timeout", mutate: func(c *Config) { c.Fetcher.Timeout = 0 }, want: "fetcher"},
		{name: "claim ttl not above fetch timeout", mutate: func(c *Config) { c.Webmention.ClaimTTL = c.Fetcher.Timeout }, want: "webmention"},
		{name: "unknown backend", mutate: func(c *Config) { c.Storage.Backend = "redis" }, want: "storage"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Storage.Snapshots = "gcs" }, want: "storage"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Storage.Backend = "postgres" }, want: "db"},
		{name: "topic without project", mutate: func(c *Config) { c.Webmention.Topic = "mentions" }, want: "pubsub"},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, want: "logging"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid
			cfg.Site.SyndicateTo = nil
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
