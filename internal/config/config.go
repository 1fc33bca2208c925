// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/viper"

	"github.com/JakeFAU/indieweb-endpoint/internal/indieweb"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Site       SiteConfig       `mapstructure:"site"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Webmention WebmentionConfig `mapstructure:"webmention"`
	Fetcher    FetcherConfig    `mapstructure:"fetcher"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Storage    StorageConfig    `mapstructure:"storage"`
	DB         DBConfig         `mapstructure:"db"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

// SiteConfig describes the site this service receives mentions and posts for.
type SiteConfig struct {
	BaseURL               string                       `mapstructure:"base_url"`
	MediaEndpoint         string                       `mapstructure:"media_endpoint"`
	WebmentionEndpoint    string                       `mapstructure:"webmention_endpoint"`
	MicropubEndpoint      string                       `mapstructure:"micropub_endpoint"`
	AuthorizationEndpoint string                       `mapstructure:"authorization_endpoint"`
	SyndicateTo           []indieweb.SyndicationTarget `mapstructure:"syndicate_to"`
}

// AuthConfig configures bearer token introspection.
type AuthConfig struct {
	TokenEndpoint string        `mapstructure:"token_endpoint"`
	Me            string        `mapstructure:"me"`
	Timeout       time.Duration `mapstructure:"timeout"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	CacheSize     int           `mapstructure:"cache_size"`
}

// WebmentionConfig governs the queue and verifier pool.
type WebmentionConfig struct {
	Workers        int           `mapstructure:"workers"`
	BatchSize      int           `mapstructure:"batch_size"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	// ClaimTTL defaults to twice the fetch timeout when zero and must exceed it.
	ClaimTTL time.Duration `mapstructure:"claim_ttl"`
	Topic    string        `mapstructure:"topic"`
}

// FetcherConfig configures source fetching.
type FetcherConfig struct {
	UserAgent    string        `mapstructure:"user_agent"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRedirects int           `mapstructure:"max_redirects"`
	MaxBodyBytes int           `mapstructure:"max_body_bytes"`
}

// PolicyConfig configures outbound host gating.
type PolicyConfig struct {
	PerHostRPS   float64       `mapstructure:"per_host_rps"`
	Burst        int           `mapstructure:"burst"`
	MaxHosts     int           `mapstructure:"max_hosts"`
	HostIdleTTL  time.Duration `mapstructure:"host_idle_ttl"`
	BlockedHosts []string      `mapstructure:"blocked_hosts"`
	AllowPrivate bool          `mapstructure:"allow_private"`
}

// StorageConfig selects persistence backends.
type StorageConfig struct {
	// Backend is "memory" or "postgres" for mentions and posts.
	Backend string `mapstructure:"backend"`
	// Snapshots is "none", "memory", "local" or "gcs".
	Snapshots string `mapstructure:"snapshots"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// PubSubConfig holds settings for mention outcome notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INDIEWEB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Webmention.ClaimTTL <= 0 {
		cfg.Webmention.ClaimTTL = 2 * cfg.Fetcher.Timeout
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("site.base_url", "")
	v.SetDefault("site.media_endpoint", "")
	v.SetDefault("site.webmention_endpoint", "")
	v.SetDefault("site.micropub_endpoint", "")
	v.SetDefault("site.authorization_endpoint", "")
	v.SetDefault("auth.token_endpoint", "")
	v.SetDefault("auth.me", "")
	v.SetDefault("auth.timeout", "5s")
	v.SetDefault("auth.cache_ttl", "2m")
	v.SetDefault("auth.cache_size", 1024)
	v.SetDefault("webmention.workers", 4)
	v.SetDefault("webmention.batch_size", 10)
	v.SetDefault("webmention.poll_interval", "2s")
	v.SetDefault("webmention.max_attempts", 3)
	v.SetDefault("webmention.backoff_initial", "30s")
	v.SetDefault("webmention.backoff_max", "30m")
	v.SetDefault("webmention.claim_ttl", "0s")
	v.SetDefault("webmention.topic", "")
	v.SetDefault("fetcher.user_agent", "indieweb-endpoint/0.1 (+webmention)")
	v.SetDefault("fetcher.timeout", "10s")
	v.SetDefault("fetcher.max_redirects", 5)
	v.SetDefault("fetcher.max_body_bytes", 1<<20)
	v.SetDefault("policy.per_host_rps", 1.0)
	v.SetDefault("policy.burst", 2)
	v.SetDefault("policy.max_hosts", 10000)
	v.SetDefault("policy.host_idle_ttl", "10m")
	v.SetDefault("policy.allow_private", false)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.snapshots", "none")
	v.SetDefault("storage.local_dir", "")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("db.migrate", true)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	checks := []struct {
		section string
		err     error
	}{
		{"server", validation.ValidateStruct(&c.Server,
			validation.Field(&c.Server.Port, validation.Required, validation.Min(1), validation.Max(65535)),
			validation.Field(&c.Server.MaxBodyBytes, validation.Required, validation.Min(int64(1))),
		)},
		{"site", validation.ValidateStruct(&c.Site,
			validation.Field(&c.Site.BaseURL, validation.Required, validation.By(absoluteURL)),
			validation.Field(&c.Site.MediaEndpoint, validation.By(absoluteURL)),
			validation.Field(&c.Site.WebmentionEndpoint, validation.By(absoluteURL)),
			validation.Field(&c.Site.MicropubEndpoint, validation.By(absoluteURL)),
			validation.Field(&c.Site.AuthorizationEndpoint, validation.By(absoluteURL)),
		)},
		{"auth", validation.ValidateStruct(&c.Auth,
			validation.Field(&c.Auth.TokenEndpoint, validation.Required, validation.By(absoluteURL)),
			validation.Field(&c.Auth.Me, validation.By(absoluteURL)),
			validation.Field(&c.Auth.Timeout, validation.Required, validation.Min(time.Millisecond)),
			validation.Field(&c.Auth.CacheSize, validation.Required, validation.Min(1)),
		)},
		{"webmention", validation.ValidateStruct(&c.Webmention,
			validation.Field(&c.Webmention.Workers, validation.Required, validation.Min(1)),
			validation.Field(&c.Webmention.BatchSize, validation.Required, validation.Min(1)),
			validation.Field(&c.Webmention.PollInterval, validation.Required, validation.Min(time.Millisecond)),
			validation.Field(&c.Webmention.MaxAttempts, validation.Required, validation.Min(1)),
			validation.Field(&c.Webmention.BackoffInitial, validation.Required),
			validation.Field(&c.Webmention.BackoffMax, validation.Required, validation.Min(c.Webmention.BackoffInitial)),
			// A claim must outlive one fetch or another worker can take it mid-attempt.
			validation.Field(&c.Webmention.ClaimTTL, validation.Required, validation.Min(c.Fetcher.Timeout).Exclusive()),
		)},
		{"fetcher", validation.ValidateStruct(&c.Fetcher,
			validation.Field(&c.Fetcher.Timeout, validation.Required, validation.Min(time.Millisecond)),
			validation.Field(&c.Fetcher.MaxRedirects, validation.Min(0)),
			validation.Field(&c.Fetcher.MaxBodyBytes, validation.Required, validation.Min(1)),
		)},
		{"policy", validation.ValidateStruct(&c.Policy,
			validation.Field(&c.Policy.PerHostRPS, validation.Min(0.0)),
			validation.Field(&c.Policy.Burst, validation.Min(0)),
			validation.Field(&c.Policy.MaxHosts, validation.Min(0)),
		)},
		{"storage", validation.ValidateStruct(&c.Storage,
			validation.Field(&c.Storage.Backend, validation.In("memory", "postgres")),
			validation.Field(&c.Storage.Snapshots, validation.In("none", "memory", "local", "gcs")),
			validation.Field(&c.Storage.LocalDir, validation.When(c.Storage.Snapshots == "local", validation.Required)),
			validation.Field(&c.Storage.GCSBucket, validation.When(c.Storage.Snapshots == "gcs", validation.Required)),
		)},
		{"db", validation.ValidateStruct(&c.DB,
			validation.Field(&c.DB.DSN, validation.When(c.Storage.Backend == "postgres", validation.Required)),
		)},
		{"pubsub", validation.ValidateStruct(&c.PubSub,
			validation.Field(&c.PubSub.ProjectID, validation.When(c.Webmention.Topic != "", validation.Required)),
		)},
		{"logging", validation.ValidateStruct(&c.Logging,
			validation.Field(&c.Logging.Level, validation.In("debug", "info", "warn", "error")),
		)},
	}

	var errs []error
	for _, check := range checks {
		if check.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", check.section, check.err))
		}
	}
	return errors.Join(errs...)
}

func absoluteURL(value any) error {
	raw, _ := value.(string)
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return validation.NewError("validation_absolute_url", "must be an absolute http(s) URL")
	}
	return nil
}

// BackoffPolicy converts the webmention retry settings.
func (c Config) BackoffPolicy() indieweb.BackoffPolicy {
	return indieweb.BackoffPolicy{
		MaxAttempts: c.Webmention.MaxAttempts,
		BaseDelay:   c.Webmention.BackoffInitial,
		MaxDelay:    c.Webmention.BackoffMax,
		Jitter:      true,
	}
}
