// Package main is the agentplane entry point. One binary runs the
// orchestration core with its HTTP, WebSocket and MCP gateways over a
// shared bus.
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

	"github.com/agentplane/agentplane/internal/applog"
	"github.com/agentplane/agentplane/internal/balancer"
	"github.com/agentplane/agentplane/internal/bus"
	"github.com/agentplane/agentplane/internal/collab"
	"github.com/agentplane/agentplane/internal/common/config"
	"github.com/agentplane/agentplane/internal/common/httpmw"
	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/common/telemetry"
	"github.com/agentplane/agentplane/internal/consensus"
	"github.com/agentplane/agentplane/internal/decomposer"
	"github.com/agentplane/agentplane/internal/gateway/api"
	"github.com/agentplane/agentplane/internal/gateway/stream"
	"github.com/agentplane/agentplane/internal/mcpserver"
	"github.com/agentplane/agentplane/internal/orchestrator"
	"github.com/agentplane/agentplane/internal/registry"
)

const serverName = "agentplane"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting agentplane...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Communication bus: in-process by default, NATS when configured.
	eventBus, err := bus.New(cfg.Bus, log)
	if err != nil {
		log.Fatal("Failed to initialize bus", zap.Error(err))
	}
	defer eventBus.Close()
	log.Info("Bus ready", zap.String("type", cfg.Bus.Type))

	// Agent registry, optionally seeded with the built-in type catalog.
	reg := registry.New(cfg.Registry, cfg.Orchestrator.AgentHealth.Window, eventBus, log)
	if cfg.Registry.SeedDefaults {
		if err := reg.LoadDefaults(); err != nil {
			log.Fatal("Failed to seed agent types", zap.Error(err))
		}
		log.Info("Seeded built-in agent types")
	}

	bal := balancer.New(cfg.Balancer, log)

	dec := decomposer.New(log)
	if err := dec.RegisterBuiltins(); err != nil {
		log.Fatal("Failed to register decomposition patterns", zap.Error(err))
	}

	eng := consensus.NewEngine(consensus.Majority, log)

	orch := orchestrator.New(cfg.Orchestrator, reg, bal, eventBus, log)
	if err := orch.Start(ctx); err != nil {
		log.Fatal("Failed to start orchestrator", zap.Error(err))
	}
	log.Info("Orchestrator started", zap.Int("workers", cfg.Orchestrator.Workers))

	coord := collab.NewCoordinator(cfg.Collab, orch, reg, eventBus, eng, dec, log)

	// Lifecycle event journal.
	var journal *applog.Journal
	if cfg.Applog.Enabled {
		journal, err = applog.Open(cfg.Applog, log)
		if err != nil {
			log.Fatal("Failed to open event journal", zap.Error(err))
		}
		defer func() { _ = journal.Close() }()
		if err := journal.Attach(eventBus); err != nil {
			log.Fatal("Failed to attach event journal", zap.Error(err))
		}
		log.Info("Event journal attached", zap.String("driver", cfg.Applog.Driver))
	}

	// HTTP gateway.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, serverName))
	router.Use(httpmw.CORS())
	router.Use(httpmw.OtelTracing(serverName))

	services := api.Services{
		Orchestrator: orch,
		Registry:     reg,
		Collab:       coord,
		Consensus:    eng,
		Decomposer:   dec,
		Bus:          eventBus,
		Journal:      journal,
	}
	api.SetupRoutes(router.Group("/api/v1"), services, log)

	// WebSocket event stream.
	hub := stream.NewHub(eventBus, log)
	go hub.Run(ctx)
	streamHandler := stream.NewHandler(hub, log)
	router.GET("/ws/events", streamHandler.HandleConnection)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": serverName,
		})
	})

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Embedded MCP server.
	var mcpSrv *mcpserver.Server
	if cfg.MCP.Enabled {
		mcpSrv = mcpserver.New(cfg.MCP, mcpserver.Services{
			Orchestrator: orch,
			Registry:     reg,
			Collab:       coord,
			Bus:          eventBus,
		}, log)
		if err := mcpSrv.Start(ctx); err != nil {
			log.Fatal("Failed to start MCP server", zap.Error(err))
		}
	}

	log.Info("API configured",
		zap.String("http", "/api/v1"),
		zap.String("websocket", "/ws/events"),
		zap.String("health", "/health"),
		zap.Bool("mcp", cfg.MCP.Enabled),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down agentplane...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if mcpSrv != nil {
		if err := mcpSrv.Stop(shutdownCtx); err != nil {
			log.Error("MCP server shutdown error", zap.Error(err))
		}
	}
	if err := orch.Stop(); err != nil {
		log.Error("Orchestrator stop error", zap.Error(err))
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		log.Error("Telemetry shutdown error", zap.Error(err))
	}

	log.Info("agentplane stopped")
}
