package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"crmgate/internal/backend"
	"crmgate/internal/config"
	"crmgate/internal/gateway"
	server "crmgate/internal/http"
	"crmgate/internal/migrate"
	"crmgate/internal/registry"
	"crmgate/internal/store"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	cfg := config.Load(*configPath)

	// Set up logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{}))

	// The decision log and the postgres registry source share one pool.
	var st *store.Store
	if cfg.Database.DSN != "" {
		if err := migrate.Run(cfg.Database.DSN); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
		db, err := sql.Open("pgx", cfg.Database.DSN)
		if err != nil {
			log.Fatalf("open db failed: %v", err)
		}
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		st = store.New(db)
	}

	// The registry snapshot is loaded once and immutable from here on;
	// rotating keys or onboarding a tenant means a restart.
	var snap *registry.Snapshot
	switch cfg.Auth.Source {
	case "", "file":
		snap = registry.FromConfig(cfg)
	case "postgres":
		if st == nil {
			log.Fatalf("auth.source=postgres requires database.dsn")
		}
		ctx := context.Background()
		// Seed file-configured entries so a first boot is not empty.
		for name, id := range cfg.Tenants {
			if err := st.EnsureTenant(ctx, name, id); err != nil {
				log.Fatalf("seed tenant %s failed: %v", name, err)
			}
		}
		for _, k := range cfg.Auth.Keys {
			if err := st.EnsureKeyBinding(ctx, k.Key, k.Tenant, "config-seed"); err != nil {
				log.Fatalf("seed api key failed: %v", err)
			}
		}
		var err error
		snap, err = registry.FromStore(ctx, st)
		if err != nil {
			log.Fatalf("load key registry failed: %v", err)
		}
	default:
		log.Fatalf("invalid auth.source: %s (expected file|postgres)", cfg.Auth.Source)
	}

	bk := backend.New(cfg.Backend)
	eng := gateway.New(bk)

	s := server.NewServer(cfg, snap, eng, bk, st, logger)
	if err := s.Listen(); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
