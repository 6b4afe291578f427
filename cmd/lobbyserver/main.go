// Package main provides the lobby server binary: a WebSocket lobby that hands
// its players off to the gameplay scene, plus a gRPC health endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/matchlobby/internal/config"
	"github.com/cory-johannsen/matchlobby/internal/game/character"
	"github.com/cory-johannsen/matchlobby/internal/game/handoff"
	"github.com/cory-johannsen/matchlobby/internal/game/session"
	"github.com/cory-johannsen/matchlobby/internal/lobby"
	"github.com/cory-johannsen/matchlobby/internal/observability"
	"github.com/cory-johannsen/matchlobby/internal/server"
	"github.com/cory-johannsen/matchlobby/internal/transport/ws"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	catalogPath := flag.String("catalog", "", "path to character catalog YAML; overrides catalog.path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if *catalogPath != "" {
		cfg.Catalog.Path = *catalogPath
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting lobby server",
		zap.String("ws_addr", cfg.WebSocket.Addr()),
		zap.String("health_addr", cfg.Health.Addr()),
		zap.Int("max_players", cfg.Lobby.MaxPlayers),
	)

	catalog, err := loadCatalog(cfg.Catalog)
	if err != nil {
		logger.Fatal("loading character catalog", zap.Error(err))
	}
	logger.Info("character catalog loaded",
		zap.Int("size", catalog.Size()),
		zap.String("path", cfg.Catalog.Path),
	)

	var scope session.Scope
	lob, err := lobby.New(&scope, catalog, lobby.Config{
		MaxPlayers:    cfg.Lobby.MaxPlayers,
		GameplayScene: cfg.Lobby.GameplayScene,
		RequestBuffer: cfg.Lobby.RequestBuffer,
		SendBuffer:    cfg.WebSocket.SendBuffer,
		Layout:        layoutFromConfig(cfg.Spawn),
	}, logger)
	if err != nil {
		logger.Fatal("creating lobby", zap.Error(err))
	}

	healthSvc, err := server.NewHealthService(cfg.Health.Addr(), logger)
	if err != nil {
		logger.Fatal("creating health service", zap.Error(err))
	}
	lob.OnPhaseChange(func(p lobby.Phase) {
		healthSvc.SetServing(server.LobbyHealthService, p == lobby.PhaseLobby)
	})

	mux := http.NewServeMux()
	mux.Handle(cfg.WebSocket.Path, ws.NewHandler(lob, cfg.WebSocket, logger))
	httpServer := &http.Server{
		Addr:              cfg.WebSocket.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("lobby", server.NewContextService(lob.Run))
	lifecycle.Add("health", healthSvc)
	lifecycle.Add("websocket", &server.FuncService{
		StartFn: func() error {
			logger.Info("websocket listening",
				zap.String("addr", httpServer.Addr),
				zap.String("path", cfg.WebSocket.Path),
			)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serving websocket: %w", err)
			}
			return nil
		},
		StopFn: func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(ctx); err != nil {
				logger.Warn("websocket shutdown", zap.Error(err))
			}
		},
	})

	logger.Info("lobby server initialized", zap.Duration("elapsed", time.Since(start)))

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func loadCatalog(cfg config.CatalogConfig) (*character.Catalog, error) {
	if cfg.Path == "" {
		return character.Placeholder(cfg.Size)
	}
	return character.LoadFromFile(cfg.Path)
}

func layoutFromConfig(cfg config.SpawnConfig) handoff.Layout {
	layout := handoff.Layout{Spacing: cfg.Spacing}
	for _, p := range cfg.Points {
		layout.Points = append(layout.Points, handoff.SpawnPoint{
			Position: handoff.Vec3{X: p.X, Y: p.Y, Z: p.Z},
			Yaw:      p.Yaw,
		})
	}
	return layout
}
