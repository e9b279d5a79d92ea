package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dimitrije/nikode-collab/internal/bootstrap"
	"github.com/dimitrije/nikode-collab/internal/config"
	"github.com/dimitrije/nikode-collab/internal/filesync"
	"github.com/dimitrije/nikode-collab/internal/handlers"
	authmw "github.com/dimitrije/nikode-collab/internal/middleware"
	"github.com/dimitrije/nikode-collab/internal/services"
	"github.com/dimitrije/nikode-collab/internal/session"
	"github.com/dimitrije/nikode-collab/internal/telemetry"
	"github.com/m1z23r/drift/pkg/drift"
	"github.com/m1z23r/drift/pkg/middleware"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := cfg.NewLogger()
	ctx := context.Background()

	tracerProvider, shutdownTracing, err := telemetry.Init(ctx, "collab-api", cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.WithError(err).Warn("Tracer shutdown failed")
		}
	}()

	bus, closeBus, err := bootstrap.NewTransport(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to start %s transport: %v", cfg.Transport, err)
	}
	defer closeBus()

	store, closeStore, err := bootstrap.NewStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to open file store: %v", err)
	}
	defer closeStore()

	fileService := filesync.NewService(store, bus, filesync.Options{
		Logger:         logger,
		TracerProvider: tracerProvider,
	})
	jwtService := services.NewJWTService(cfg.JWTSecret, cfg.JWTAccessExpiry)

	fileHandler := handlers.NewFileHandler(fileService, logger)
	eventsHandler := handlers.NewEventsHandler(bus, logger)
	sessionHandler := handlers.NewSessionHandler(session.Config{
		Transport:         bus,
		Files:             fileService,
		Logger:            logger,
		HeartbeatInterval: cfg.Session.HeartbeatInterval,
		ActivityThrottle:  cfg.Session.ActivityThrottle,
		CursorInterval:    cfg.Session.CursorThrottle,
		SelectionInterval: cfg.Session.SelectionThrottle,
		TypingTimeout:     cfg.Session.TypingTimeout,
		CursorStaleAfter:  cfg.Session.CursorStaleAfter,
		SweepInterval:     cfg.Session.CursorSweepInterval,
	}, logger)

	app := drift.New()

	if cfg.IsProduction() {
		app.SetMode(drift.ReleaseMode)
	} else {
		app.SetMode(drift.DebugMode)
	}

	app.Use(middleware.Recovery())
	app.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
		MaxAge:       86400,
	}))
	app.Use(middleware.BodyParser())

	api := app.Group("/api/v1")

	protected := api.Group("")
	protected.Use(authmw.Auth(jwtService))

	protected.Get("/groups/:groupId/files", fileHandler.List)
	protected.Post("/groups/:groupId/files", fileHandler.Create)

	protected.Get("/files/:fileId", fileHandler.Get)
	protected.Patch("/files/:fileId", fileHandler.Update)
	protected.Delete("/files/:fileId", fileHandler.Delete)
	protected.Post("/files/:fileId/rename", fileHandler.Rename)

	api.Get("/health", func(c *drift.Context) {
		_ = c.JSON(200, map[string]any{"status": "ok", "transport": cfg.Transport, "connected": bus.Connected()})
	})

	// Browser WebSocket and EventSource clients pass ?token= instead.
	streams := api.Group("")
	streams.Use(authmw.StreamAuth(jwtService))

	streams.Get("/groups/:groupId/events", eventsHandler.Stream)
	streams.Get("/sessions/:sessionId/ws", sessionHandler.Connect)

	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		logger.Infof("Server starting on %s", addr)
		if err := app.Run(addr); err != nil {
			logger.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
}
