// Package config defines the explicit, struct-tagged configuration schema
// for the gateway, loaded via rakunlabs/chu the same way the teacher's own
// internal/config/config.go does. Unknown keys are rejected by chu itself;
// a provider enabled without its required credentials is reported by the
// caller as a configuration_error at startup (see cmd/gateway/main.go).
package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/chu/loader/loaderenv"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/logi"
	"github.com/rakunlabs/tell"
)

// Service names this binary for the ada server middleware and for
// telemetry resource attributes.
var Service = "gateway"

type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	JWT       JWT                  `cfg:"jwt"`
	Providers map[string]LLMConfig `cfg:"providers"`
	Router    Router               `cfg:"router"`
	Stream    Stream               `cfg:"stream"`
	Context   Context              `cfg:"context"`
	Persistence Persistence        `cfg:"persistence"`

	Store     Store       `cfg:"store"`
	Server    Server      `cfg:"server"`
	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

// JWT configures the Identity Verifier (C1).
type JWT struct {
	Issuer              string `cfg:"issuer"`
	Audience            string `cfg:"audience"`
	JWKSURL             string `cfg:"jwks_url"`
	TokenEndpoint       string `cfg:"token_endpoint"`
	ClientID            string `cfg:"client_id"`
	ClientSecret        string `cfg:"client_secret" log:"-"`
	LeewaySeconds       int    `cfg:"leeway_seconds" default:"60"`
	MinRefreshInterval  int    `cfg:"min_refresh_interval_seconds" default:"30"`
	// PublicPathPrefixes is accepted in config but not read by the server:
	// the routes that bypass the Identity Verifier (health, /api/auth/*,
	// the SSE stream endpoint) are fixed by how server.New mounts them.
	PublicPathPrefixes []string `cfg:"public_path_prefixes"`
}

// LLMConfig describes a single LLM provider configuration.
//
// Example YAML:
//
//	providers:
//	  anthropic:
//	    type: anthropic
//	    api_key: "sk-ant-..."
//	    model: "claude-haiku-4-5"
//	  openai:
//	    type: openai
//	    api_key: "sk-..."
//	    model: "gpt-4o"
//	  ollama:
//	    type: ollama
//	    base_url: "http://localhost:11434"
//	    model: "llama3.2"
type LLMConfig struct {
	Enabled bool   `cfg:"enabled" default:"true"`
	Type    string `cfg:"type" json:"type"`

	APIKey  string `cfg:"api_key" json:"api_key" log:"-"`
	BaseURL string `cfg:"base_url" json:"base_url"`
	Model   string `cfg:"model" json:"model"`

	// Models is the list of canonical models this provider contributes to
	// the registry. If empty, only Model is advertised.
	Models []string `cfg:"models" json:"models"`

	ExtraHeaders map[string]string `cfg:"extra_headers" json:"extra_headers"`
	Proxy        string            `cfg:"proxy" json:"proxy"`

	// ContextWindow overrides the adapter's built-in default context window
	// (one value per provider type), which the Context Guard reads through
	// ContextLimit for every model of this provider.
	ContextWindow int `cfg:"context_window" json:"context_window"`

	InsecureSkipVerify bool `cfg:"insecure_skip_verify" json:"insecure_skip_verify"`
}

// Router tunes the Model Registry & Router (C4).
type Router struct {
	ModelPrecedence       []string `cfg:"model_precedence"`
	RefreshIntervalSeconds int     `cfg:"refresh_interval_seconds" default:"60"`
}

// Stream tunes the Stream Coordinator (C7).
type Stream struct {
	SessionTTLSeconds     int    `cfg:"session_ttl_seconds" default:"300"`
	WallclockCapSeconds   int    `cfg:"wallclock_cap_seconds" default:"600"`
	RedisAddr             string `cfg:"redis_addr" default:"127.0.0.1:6379"`
	RedisPassword         string `cfg:"redis_password" log:"-"`
	RedisDB               int    `cfg:"redis_db"`
}

// Context tunes the Context Guard (C6).
type Context struct {
	OutputHeadroomTokens int `cfg:"output_headroom_tokens" default:"512"`
}

// Persistence tunes the Persistence Worker's (C8) retry policy.
type Persistence struct {
	Retry RetryConfig `cfg:"retry"`
	// PollIntervalSeconds is how often idle workers poll the durable queue
	// for new jobs (not part of spec.md §6.4's recognized keys, but needed
	// to drive hardloop's ticker; defaults follow the teacher's scheduler
	// cadence).
	PollIntervalSeconds int `cfg:"poll_interval_seconds" default:"2"`
	Workers             int `cfg:"workers" default:"4"`
}

type RetryConfig struct {
	Initial string `cfg:"initial" default:"1s"`
	Factor  float64 `cfg:"factor" default:"2"`
	Max     int     `cfg:"max" default:"5"`
}

type Server struct {
	BasePath string `cfg:"base_path"`
	Port     string `cfg:"port" default:"8080"`
	Host     string `cfg:"host"`
	DevMode  bool   `cfg:"dev_mode"`
}

type Store struct {
	Postgres *StorePostgres `cfg:"postgres"`
	SQLite   *StoreSQLite   `cfg:"sqlite"`

	// EncryptionKey, if set, enables AES-256-GCM encryption of Principal PII
	// (email) at rest. Any non-empty string works; see internal/crypto.
	EncryptionKey string `cfg:"encryption_key" log:"-"`
}

type StorePostgres struct {
	TablePrefix     *string `cfg:"table_prefix"`
	Datasource      string  `cfg:"datasource" log:"-"`
	Schema          string  `cfg:"schema"`
	MaxIdleConns    *int    `cfg:"max_idle_conns"`
	MaxOpenConns    *int    `cfg:"max_open_conns"`

	Migrate Migrate `cfg:"migrate"`
}

type StoreSQLite struct {
	TablePrefix *string `cfg:"table_prefix"`
	Datasource  string  `cfg:"datasource"`

	Migrate Migrate `cfg:"migrate"`
}

type Migrate struct {
	DBTable string            `cfg:"table"`
	Values  map[string]string `cfg:"values"`
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("GW_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}

// Validate enforces spec.md §9's "dynamic typing in the origin" note:
// a provider enabled without its required credential is a
// configuration_error at startup rather than a lazily-discovered runtime
// failure.
func (c *Config) Validate() error {
	if c.JWT.Issuer == "" || c.JWT.JWKSURL == "" {
		return fmt.Errorf("jwt.issuer and jwt.jwks_url are required")
	}

	for name, p := range c.Providers {
		if !p.Enabled {
			continue
		}
		switch p.Type {
		case "openai", "anthropic", "gemini":
			if p.APIKey == "" {
				return fmt.Errorf("provider %q (%s) is enabled but api_key is empty", name, p.Type)
			}
		case "vertex":
			if p.BaseURL == "" {
				return fmt.Errorf("provider %q (vertex) is enabled but base_url is empty", name)
			}
		case "ollama":
			if p.BaseURL == "" {
				return fmt.Errorf("provider %q (ollama) is enabled but base_url is empty", name)
			}
		default:
			return fmt.Errorf("provider %q has unknown type %q", name, p.Type)
		}
	}

	if c.Store.Postgres == nil && c.Store.SQLite == nil {
		return fmt.Errorf("store.postgres or store.sqlite must be configured")
	}

	return nil
}
