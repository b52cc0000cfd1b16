package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/openrag/gateway/internal/config"
	"github.com/openrag/gateway/internal/contextguard"
	"github.com/openrag/gateway/internal/crypto"
	"github.com/openrag/gateway/internal/identity"
	"github.com/openrag/gateway/internal/llm"
	"github.com/openrag/gateway/internal/llm/anthropic"
	"github.com/openrag/gateway/internal/llm/gemini"
	"github.com/openrag/gateway/internal/llm/ollama"
	"github.com/openrag/gateway/internal/llm/openai"
	"github.com/openrag/gateway/internal/llm/vertex"
	"github.com/openrag/gateway/internal/router"
	"github.com/openrag/gateway/internal/server"
	"github.com/openrag/gateway/internal/store"
	"github.com/openrag/gateway/internal/store/postgres"
	"github.com/openrag/gateway/internal/store/sqlite3"
	"github.com/openrag/gateway/internal/stream"
	"github.com/openrag/gateway/internal/worker"
)

var (
	name    = "gateway"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

// storeBundle is the triple every repository-backed component needs,
// satisfied by either backend chosen in wireStore.
type storeBundle struct {
	principals    identity.PrincipalRepository
	conversations store.ConversationRepository
	jobs          store.JobRepository
	close         func()
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	stores, err := wireStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to wire store backend: %w", err)
	}
	defer stores.close()

	verifier, err := identity.New(cfg.JWT.Issuer, cfg.JWT.Audience, cfg.JWT.JWKSURL,
		identity.WithLeeway(time.Duration(cfg.JWT.LeewaySeconds)*time.Second),
		identity.WithMinRefreshInterval(time.Duration(cfg.JWT.MinRefreshInterval)*time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to build identity verifier: %w", err)
	}

	principals := identity.NewPrincipalStore(stores.principals)
	login := identity.NewLoginBroker(cfg.JWT.TokenEndpoint, cfg.JWT.ClientID, cfg.JWT.ClientSecret)

	providers, err := wireProviders(ctx, cfg.Providers)
	if err != nil {
		return fmt.Errorf("failed to wire LLM providers: %w", err)
	}

	rtr := router.New(providers, cfg.Router.ModelPrecedence)
	refreshInterval := time.Duration(cfg.Router.RefreshIntervalSeconds) * time.Second
	go func() {
		if err := rtr.Start(ctx, refreshInterval); err != nil {
			slog.Error("model registry refresh loop stopped", "error", err)
		}
	}()

	guard := contextguard.New(cfg.Context.OutputHeadroomTokens)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Stream.RedisAddr,
		Password: cfg.Stream.RedisPassword,
		DB:       cfg.Stream.RedisDB,
	})
	defer rdb.Close()
	streams := stream.NewRedisStore(rdb)

	pool, err := worker.New(stores.jobs, stores.conversations, cfg.Persistence)
	if err != nil {
		return fmt.Errorf("failed to build persistence worker pool: %w", err)
	}
	go func() {
		if err := pool.Start(ctx); err != nil {
			slog.Error("persistence worker pool stopped", "error", err)
		}
	}()

	srv, err := server.New(
		cfg.Server,
		cfg.Server.DevMode,
		verifier,
		principals,
		login,
		stores.conversations,
		stores.jobs,
		rtr,
		guard,
		streams,
		time.Duration(cfg.Stream.SessionTTLSeconds)*time.Second,
		time.Duration(cfg.Stream.WallclockCapSeconds)*time.Second,
	)
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}

	slog.Info("starting gateway", "host", cfg.Server.Host, "port", cfg.Server.Port)
	return srv.Start(ctx)
}

// wireStore picks exactly one backend per spec.md §9's "store.postgres or
// store.sqlite, not both" note, grounded on the teacher's own storeType
// selection in server.go.
func wireStore(ctx context.Context, cfg *config.Config) (*storeBundle, error) {
	var encKey []byte
	if cfg.Store.EncryptionKey != "" {
		key, err := crypto.DeriveKey(cfg.Store.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("derive store encryption key: %w", err)
		}
		encKey = key
	}

	switch {
	case cfg.Store.Postgres != nil:
		pgCfg := postgres.Config{
			Datasource:   cfg.Store.Postgres.Datasource,
			Schema:       cfg.Store.Postgres.Schema,
			TablePrefix:  cfg.Store.Postgres.TablePrefix,
			MaxIdleConns: cfg.Store.Postgres.MaxIdleConns,
			MaxOpenConns: cfg.Store.Postgres.MaxOpenConns,
			Migrate:      cfg.Store.Postgres.Migrate,
		}
		pg, err := postgres.New(ctx, pgCfg, encKey)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return &storeBundle{principals: pg, conversations: pg, jobs: pg, close: pg.Close}, nil
	case cfg.Store.SQLite != nil:
		lite, err := sqlite3.New(ctx, cfg.Store.SQLite, encKey)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return &storeBundle{principals: lite, conversations: lite, jobs: lite, close: lite.Close}, nil
	default:
		return nil, fmt.Errorf("no store backend configured")
	}
}

// wireProviders instantiates one Provider Adapter (C5) per enabled entry in
// providers config, grounded on the teacher's providerFactory switch in
// server.go's reloadProvider.
func wireProviders(ctx context.Context, cfgs map[string]config.LLMConfig) (map[string]llm.Adapter, error) {
	adapters := make(map[string]llm.Adapter, len(cfgs))

	for name, pc := range cfgs {
		if !pc.Enabled {
			continue
		}

		var (
			adapter llm.Adapter
			err     error
		)

		switch pc.Type {
		case "openai":
			adapter, err = openai.New(name, pc.APIKey, pc.Model, pc.BaseURL, pc.Proxy, pc.Models, pc.ContextWindow, pc.InsecureSkipVerify, pc.ExtraHeaders)
		case "anthropic":
			adapter, err = anthropic.New(name, pc.APIKey, pc.Model, pc.BaseURL, pc.Proxy, pc.Models, pc.ContextWindow, pc.InsecureSkipVerify)
		case "gemini":
			adapter, err = gemini.New(name, pc.APIKey, pc.Model, pc.BaseURL, pc.Proxy, pc.Models, pc.ContextWindow, pc.InsecureSkipVerify)
		case "vertex":
			adapter, err = vertex.New(ctx, name, pc.Model, pc.BaseURL, pc.Proxy, pc.Models, pc.ContextWindow, pc.InsecureSkipVerify)
		case "ollama":
			adapter, err = ollama.New(name, pc.Model, pc.BaseURL, pc.Models, pc.ContextWindow)
		default:
			return nil, fmt.Errorf("provider %q has unknown type %q", name, pc.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("build provider %q: %w", name, err)
		}

		adapters[name] = adapter
	}

	return adapters, nil
}
