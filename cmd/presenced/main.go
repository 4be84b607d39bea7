// Package main provides the presence server binary that serves the room
// presence protocol over WebSocket alongside the HTTP diagnostics endpoints.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/cloudtown/internal/config"
	"github.com/cory-johannsen/cloudtown/internal/frontend/httpapi"
	"github.com/cory-johannsen/cloudtown/internal/frontend/ws"
	"github.com/cory-johannsen/cloudtown/internal/observability"
	"github.com/cory-johannsen/cloudtown/internal/presence"
	"github.com/cory-johannsen/cloudtown/internal/server"
	"github.com/cory-johannsen/cloudtown/internal/session"
	"github.com/cory-johannsen/cloudtown/internal/spawn"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
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
	defer func() { _ = logger.Sync() }()

	logger.Info("starting presence server",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("directory", cfg.Directory.Backend),
	)

	spawner := spawn.NewSpawner(spawn.Area{
		Anchor: spawn.Point{X: cfg.Spawn.AnchorX, Y: cfg.Spawn.AnchorY},
		Spread: cfg.Spawn.Spread,
	}, spawn.NewCryptoSource())
	if cfg.Spawn.Table != "" {
		table, err := spawn.LoadTable(cfg.Spawn.Table, cfg.Spawn.Spread)
		if err != nil {
			logger.Fatal("loading spawn table", zap.Error(err))
		}
		spawner.Table = table
		logger.Info("spawn table loaded",
			zap.String("path", cfg.Spawn.Table),
			zap.Int("rooms", len(table)),
		)
	}

	dirStart := time.Now()
	users, err := openDirectory(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("opening user directory", zap.Error(err))
	}
	logger.Info("user directory ready",
		zap.String("backend", cfg.Directory.Backend),
		zap.Bool("cached", cfg.Redis.Enabled),
		zap.Duration("elapsed", time.Since(dirStart)),
	)

	registry := session.NewRegistry(session.WithLogger(logger.Named("registry")))
	router := presence.NewGroups(logger.Named("router"))
	svc := presence.NewService(registry, router, users.dir, spawner, logger.Named("presence"),
		presence.WithDirectoryTimeout(cfg.Directory.Timeout),
	)

	acceptor := ws.NewAcceptor(cfg.WebSocket, cfg.Server.AllowedOrigins, svc, logger.Named("ws"))
	handler := httpapi.NewRouter(httpapi.RouterConfig{
		Logger:    logger.Named("http"),
		Service:   svc,
		Registry:  registry,
		WebSocket: acceptor,
	})

	// Services stop in reverse order: health goes NOT_SERVING first, then
	// the listener drains, then sockets close, then the stores.
	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("directory", server.OnStop(func() {
		svc.Wait()
		users.close()
	}))
	lifecycle.Add("websocket", server.OnStop(acceptor.Stop))
	lifecycle.Add("http", server.NewHTTPService(cfg.Server.Addr(), handler, cfg.Server.ShutdownTimeout, logger.Named("http")))
	if cfg.Health.Enabled() {
		lifecycle.Add("health", server.NewHealthService(cfg.Health.Addr(), logger.Named("health")))
	}

	logger.Info("presence server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("addr", cfg.Server.Addr()),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
