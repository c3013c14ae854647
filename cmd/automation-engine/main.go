// Command automation-engine runs the push-notification automation
// execution engine: Control API, progress-stream SSE, and the
// in-process scheduler that drives every automation through its
// five-phase timeline. Startup/shutdown sequencing follows
// cmd/workers/report_worker.go's main(): connect, ping, log, start,
// then a signal-driven context cancellation on the way out.
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
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation/api"
	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation/audience"
	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation/definitionstore"
	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation/downstream"
	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation/engine"
	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation/historystore"
	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation/progressstore"
	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation/timeline"
	"github.com/mbiyimoh/push-notification-system-sub000/internal/config"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	engine.SetBuildPhase(os.Getenv("AUTOMATION_ENGINE_BUILD_PHASE") == "true")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	sqlDB, err := sqlx.Connect("postgres", cfg.Database.URL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer sqlDB.Close()
	if err := sqlDB.Ping(); err != nil {
		logger.Fatal("failed to ping database", zap.Error(err))
	}
	logger.Info("connected to database")

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB.DB}), &gorm.Config{})
	if err != nil {
		logger.Fatal("failed to open gorm connection", zap.Error(err))
	}

	progress := progressstore.New(gormDB, logger)
	if err := progress.Migrate(); err != nil {
		logger.Fatal("failed to migrate progress store", zap.Error(err))
	}
	history := historystore.New(gormDB, logger)
	if err := history.Migrate(); err != nil {
		logger.Fatal("failed to migrate history store", zap.Error(err))
	}
	definitions := definitionstore.New(sqlDB)

	downstreamClient := downstream.New(logger)

	// AUTOMATION_ENGINE_VERSION selects the generator path per spec.md
	// §6: v2 prefers the in-process registry (empty until a real
	// generator is registered at startup), v1 runs subprocess-only.
	var registry audience.Registry
	if cfg.Engine.Version == "v2" {
		registry = audience.NewMapRegistry(nil)
	}

	e, err := engine.Construct(engine.Dependencies{
		Definitions: definitions,
		Progress:    progress,
		History:     history,
		Logger:      logger,
		InstanceID:  cfg.Engine.InstanceID,
		Timeline: timeline.Config{
			Downstream:        downstreamClient,
			Registry:          registry,
			DownstreamBaseURL: cfg.Downstream.BaseURL,
		},
	})
	if err != nil {
		logger.Fatal("failed to construct automation engine", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)

	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/v1")
	authenticated := v1.Group("/")
	authenticated.Use(api.RequireBearerToken(cfg.Security.JWTSecret))

	handler := api.NewHandler(e, logger)
	handler.RegisterRoutes(authenticated)
	handler.RegisterDebugRoutes(v1, cfg.Security.JWTSecret)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		logger.Info("automation engine Control API listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("control API server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("control API graceful shutdown failed", zap.Error(err))
	}

	e.Shutdown()
	logger.Info("automation engine stopped")
}
