// Package main provides the world server binary: the websocket gateway,
// the room registry, and the admin API in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/atrium-world/atrium/internal/config"
	"github.com/atrium-world/atrium/internal/gateway"
	"github.com/atrium-world/atrium/internal/observability"
	"github.com/atrium-world/atrium/internal/resolver"
	"github.com/atrium-world/atrium/internal/server"
	"github.com/atrium-world/atrium/internal/storage/postgres"
	"github.com/atrium-world/atrium/internal/world"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	catalogPath := flag.String("catalog", "", "path to local room catalog; overrides resolver.catalog_path")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting world server",
		zap.String("addr", cfg.Server.Addr()),
	)

	// Room metadata resolution: remote admin API when configured, local
	// YAML catalog otherwise.
	if *catalogPath != "" {
		cfg.Resolver.CatalogPath = *catalogPath
	}
	var res resolver.Resolver
	switch {
	case cfg.Resolver.URL != "":
		res = resolver.NewHTTPResolver(cfg.Resolver.URL, cfg.Resolver.Timeout, logger)
		logger.Info("using remote map resolver", zap.String("url", cfg.Resolver.URL))
	default:
		catalog, err := resolver.NewCatalogResolver(cfg.Resolver.CatalogPath)
		if err != nil {
			logger.Fatal("loading room catalog", zap.Error(err))
		}
		res = catalog
		logger.Info("using local room catalog", zap.String("path", cfg.Resolver.CatalogPath))
	}

	// Variable persistence is optional; without it rooms keep variables in
	// memory only.
	var (
		pool  *postgres.Pool
		store world.VariableStore
	)
	if cfg.Database.Disabled {
		logger.Warn("database disabled, room variables will not be persisted")
	} else {
		dbStart := time.Now()
		pool, err = postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			logger.Fatal("connecting to database", zap.Error(err))
		}
		store = postgres.NewVariableRepository(pool.DB())
		logger.Info("database connected",
			zap.String("host", cfg.Database.Host),
			zap.Duration("elapsed", time.Since(dbStart)),
		)
	}

	registry := world.NewRegistry(res, store, cfg.World, logger)
	handler := gateway.NewHandler(registry, store, cfg.Session, cfg.Server.AdminToken, logger)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: handler.Routes(),
	}

	// Wire lifecycle
	lifecycle := server.NewLifecycle(logger)

	lifecycle.Add("http", &server.FuncService{
		StartFn: func() error {
			logger.Info("http server listening", zap.String("addr", cfg.Server.Addr()))
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("serving on %s: %w", cfg.Server.Addr(), err)
			}
			return nil
		},
		StopFn: func() {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		},
	})

	if pool != nil {
		lifecycle.Add("postgres", &server.FuncService{
			StartFn: func() error {
				for {
					time.Sleep(30 * time.Second)
					if err := pool.Health(ctx, 5*time.Second); err != nil {
						logger.Warn("database health check failed", zap.Error(err))
					}
				}
			},
			StopFn: func() {
				pool.Close()
			},
		})
	}

	logger.Info("world server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("addr", cfg.Server.Addr()),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
