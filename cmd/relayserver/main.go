// Package main provides the relay server binary: the WebSocket relay, the
// REST API, and the admin health endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/mechapizzai/relay/internal/admin"
	"github.com/mechapizzai/relay/internal/auth"
	"github.com/mechapizzai/relay/internal/config"
	"github.com/mechapizzai/relay/internal/game/room"
	"github.com/mechapizzai/relay/internal/httpapi"
	"github.com/mechapizzai/relay/internal/observability"
	"github.com/mechapizzai/relay/internal/relay"
	"github.com/mechapizzai/relay/internal/server"
	"github.com/mechapizzai/relay/internal/storage/postgres"
	"github.com/mechapizzai/relay/internal/transport/ws"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file; empty uses defaults and environment")
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before configuration")
	flag.Parse()

	if *envFile != "" {
		// A missing dotenv file is normal outside development.
		_ = godotenv.Load(*envFile)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	rooms, err := loadRooms(cfg.Game.Rooms)
	if err != nil {
		logger.Fatal("loading rooms", zap.Error(err))
	}
	logger.Info("rooms loaded", zap.Int("count", rooms.Count()), zap.String("default", rooms.Default()))

	dbStart := time.Now()
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("connecting to database", zap.Error(err))
	}
	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Duration("elapsed", time.Since(dbStart)),
	)
	accounts := postgres.NewAccountRepository(pool.DB(), cfg.Auth.BcryptCost)
	characters := postgres.NewCharacterRepository(pool.DB())

	tokens := auth.NewTokens(cfg.Auth)
	verifier := auth.NewVerifier(tokens, accounts)

	svc := relay.New(cfg, rooms, verifier, characters, logger.Named("relay"))
	wsHandler := ws.NewHandler(cfg.WebSocket, cfg.HTTP.AllowedOrigins, svc, logger.Named("ws"))

	api := httpapi.NewServer(cfg, httpapi.Deps{
		Stats:      svc,
		Rooms:      rooms,
		Accounts:   accounts,
		Characters: characters,
		Tokens:     tokens,
		Identity:   verifier,
		Database:   pool,
	}, logger)
	router := api.Router()
	router.Handle("/ws", wsHandler)

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	adminServer := admin.NewServer(cfg.Admin.Addr(), logger)

	lifecycle := server.NewLifecycle(logger, cfg.HTTP.ShutdownTimeout)
	lifecycle.OnDrain(adminServer.Drain)

	lifecycle.Add("postgres", &server.FuncService{
		StartFn: func(ctx context.Context) error {
			adminServer.Watch(ctx, pool, 30*time.Second, 5*time.Second)
			return nil
		},
		StopFn: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	lifecycle.Add("admin-grpc", &server.FuncService{
		StartFn: adminServer.Serve,
		StopFn:  adminServer.Stop,
	})

	lifecycle.Add("http", &server.FuncService{
		StartFn: func(ctx context.Context) error {
			lis, err := (&net.ListenConfig{}).Listen(ctx, "tcp", httpServer.Addr)
			if err != nil {
				return err
			}
			adminServer.SetServing(true)
			logger.Info("http listening", zap.String("addr", lis.Addr().String()))
			if err := httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
		StopFn: func(ctx context.Context) error {
			// Hijacked WebSocket connections are not tracked by Shutdown.
			wsHandler.Stop()
			return httpServer.Shutdown(ctx)
		},
	})

	logger.Info("relay server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("http_addr", cfg.HTTP.Addr()),
		zap.String("admin_addr", cfg.Admin.Addr()),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

// loadRooms builds the registry from the optional rooms file plus the
// configured default room.
func loadRooms(cfg config.RoomsConfig) (*room.Registry, error) {
	var defs []room.Definition
	if cfg.File != "" {
		loaded, err := room.LoadFromFile(cfg.File)
		if err != nil {
			return nil, err
		}
		defs = loaded
	}
	return room.NewRegistry(room.Definition{
		ID:          cfg.DefaultID,
		Name:        cfg.DefaultName,
		MaxCapacity: cfg.DefaultCapacity,
	}, defs)
}
