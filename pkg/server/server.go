// Package server provides the public entry point for initializing the
// roundtable server.
//
// This package exists in pkg/ (not internal/) so embedding programs can
// import it and compose the full engine behind their own middleware.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/roundtable-ai/roundtable/internal/api"
	"github.com/roundtable-ai/roundtable/internal/api/handlers"
	"github.com/roundtable-ai/roundtable/internal/cache"
	"github.com/roundtable-ai/roundtable/internal/catalog"
	"github.com/roundtable-ai/roundtable/internal/config"
	"github.com/roundtable-ai/roundtable/internal/debate"
	"github.com/roundtable-ai/roundtable/internal/memory"
	"github.com/roundtable-ai/roundtable/internal/orchestrator"
	"github.com/roundtable-ai/roundtable/internal/providers"
	"github.com/roundtable-ai/roundtable/internal/retention"
	"github.com/roundtable-ai/roundtable/internal/store"
	"github.com/roundtable-ai/roundtable/internal/telemetry"
	"github.com/roundtable-ai/roundtable/internal/thresholds"
)

// Config is the public configuration for the server.
type Config struct {
	Port         int
	Version      string
	OTELEnabled  bool
	OTELEndpoint string
	ServiceName  string
}

// Server holds the initialized roundtable engine.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store backs turns, canon, debates, and audits. Exposed so
	// embedders can close it and reach the persistence layer directly.
	Store store.Store

	// Config is the server configuration.
	Config *Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush
	// telemetry and release the cache.
	ShutdownFunc func(context.Context) error
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() *Config {
	cfg := config.Load()
	return &Config{
		Port:         cfg.Port,
		Version:      cfg.Version,
		OTELEnabled:  cfg.Telemetry.Enabled,
		OTELEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
	}
}

// New initializes all components and returns a ready Server. This is
// the primary entry point for cmd/server and embedders alike.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, LoadConfig())
}

// NewWithConfig initializes the engine with an explicit configuration.
func NewWithConfig(ctx context.Context, pubCfg *Config) (*Server, error) {
	// Build internal config from public config
	cfg := config.Load()
	if pubCfg.Port > 0 {
		cfg.Port = pubCfg.Port
	}

	// Initialize telemetry
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	// Postgres when a database URL is configured, in-memory otherwise.
	var dataStore store.Store
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		dataStore = pg
		log.Info().Msg("✅ PostgreSQL store initialized")
	} else {
		dataStore = store.NewMemoryStore()
		log.Info().Msg("✅ In-memory store initialized")
	}

	cat, err := catalog.New(cfg)
	if err != nil {
		dataStore.Close()
		return nil, fmt.Errorf("model catalog: %w", err)
	}

	ttlCache, err := cache.New(cfg.Cache)
	if err != nil {
		dataStore.Close()
		return nil, fmt.Errorf("cache: %w", err)
	}

	// Wire the engines. The orchestrator doubles as the memory engine's
	// summarizer and the debate engine's stage runner.
	reg := providers.NewRegistry(cfg)
	orch := orchestrator.New(reg, cat, dataStore, cfg)
	mem := memory.NewEngine(dataStore, ttlCache, orch, cat, thresholds.New(cfg.Limits), cfg)
	deb := debate.New(orch, cat, dataStore, mem, cfg)

	log.Info().Int("models", len(cat.List())).Str("default", string(cat.DefaultKey())).Msg("✅ Model catalog initialized")
	log.Info().Strs("providers", reg.Kinds()).Msg("✅ Orchestrator initialized")
	log.Info().Msg("✅ Memory engine initialized")
	log.Info().Msg("✅ Debate engine initialized")

	// Retention janitor ages soft-deleted turns out of the hot store.
	stopJanitor := func() {}
	if cfg.Retention.Window > 0 {
		jan := retention.NewJanitor(dataStore, cfg.Retention.Interval, cfg.Retention.Window)
		if cfg.Retention.ArchiveDir != "" {
			jan.RegisterArchiver(retention.NewLocalFileArchiver(cfg.Retention.ArchiveDir, cfg.Retention.Compress))
		}
		janCtx, cancel := context.WithCancel(context.Background())
		stopJanitor = cancel
		go jan.Start(janCtx)
	}

	// Build handlers + API router
	h := handlers.New(dataStore, orch, mem, deb, cat, reg, cfg)
	router := api.NewRouter(cfg, h)

	shutdownAll := func(ctx context.Context) error {
		stopJanitor()
		if err := ttlCache.Close(); err != nil {
			log.Warn().Err(err).Msg("Cache close failed")
		}
		return shutdown(ctx)
	}

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Config:       pubCfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdownAll,
	}, nil
}
