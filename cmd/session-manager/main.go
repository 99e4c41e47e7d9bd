package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/codedeck/codedeck/internal/common/config"
	"github.com/codedeck/codedeck/internal/common/logger"
	"github.com/codedeck/codedeck/internal/events/bus"
	wsgateway "github.com/codedeck/codedeck/internal/gateway/websocket"
	"github.com/codedeck/codedeck/internal/session/api"
	"github.com/codedeck/codedeck/internal/session/executor"
	"github.com/codedeck/codedeck/internal/session/models"
	"github.com/codedeck/codedeck/internal/session/reconciler"
	"github.com/codedeck/codedeck/internal/session/registry"
	"github.com/codedeck/codedeck/internal/session/service"
	"github.com/codedeck/codedeck/internal/session/store"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("Starting Session Manager service...")

	// 3. Connect the event bus (NATS, or in-memory when no URL is configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 4. Open the durable store (SQLite, or in-memory when no path is configured)
	var st store.Store
	if cfg.Database.Path != "" {
		sqliteStore, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			log.Fatal("Failed to open database", zap.Error(err))
		}
		st = sqliteStore
		log.Info("Opened SQLite store", zap.String("path", cfg.Database.Path))
	} else {
		st = store.NewMemoryStore()
		log.Info("Using in-memory store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error("Store close error", zap.Error(err))
		}
	}()

	// 5. Resolve the transcript root
	transcriptRoot, err := cfg.Agent.TranscriptRootOrDefault()
	if err != nil {
		log.Fatal("Failed to resolve transcript root", zap.Error(err))
	}
	log.Info("Transcript root resolved", zap.String("root", transcriptRoot))

	// 6. Initialize the session core
	reg := registry.New(log)
	exec := executor.New(cfg.Agent.Binary, reg, log)
	svc := service.New(st, reg, exec, eventBus, transcriptRoot, cfg.Agent.KillGrace(), log)

	reconcilers := map[models.AgentKind]*reconciler.Reconciler{
		models.AgentKindClaude: reconciler.New(st, eventBus, transcriptRoot,
			models.AgentKindClaude, cfg.Reconciler.CreatedAtTolerance(), log),
	}

	// 7. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	// 8. Register API routes
	v1 := router.Group("/api/v1")
	api.SetupRoutes(v1, svc, reconcilers, log)

	wsHandler := wsgateway.NewHandler(svc, eventBus, log)
	router.GET("/ws/sessions/:sessionId", wsHandler.Serve)

	// Health check endpoint at root level
	handler := api.NewHandler(svc, reconcilers, log)
	router.GET("/health", handler.HealthCheck)

	// 9. Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 10. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 11. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Session Manager service...")

	// 12. Graceful shutdown: stop accepting requests first
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Terminate every agent process still running. Sessions stay "working"
	// in the store; the next reconciliation or user action heals them.
	for _, sessionID := range reg.ActiveSessionIDs() {
		if cmd, ok := reg.GetProcess(sessionID); ok {
			log.Info("Killing active agent process", zap.String("session_id", sessionID))
			executor.KillGracefully(cmd, cfg.Agent.KillGrace())
		}
		reg.Clear(sessionID)
	}

	log.Info("Session Manager service stopped")
}
