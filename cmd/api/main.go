package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/appdeploy/packpilot/internal/api"
	"github.com/appdeploy/packpilot/internal/api/middleware"
	"github.com/appdeploy/packpilot/internal/builder"
	"github.com/appdeploy/packpilot/internal/config"
	"github.com/appdeploy/packpilot/internal/graph"
	"github.com/appdeploy/packpilot/internal/logger"
	"github.com/appdeploy/packpilot/internal/registry"
	"github.com/appdeploy/packpilot/internal/repository"
	"github.com/appdeploy/packpilot/internal/service"
	"github.com/appdeploy/packpilot/internal/storage"
)

func main() {
	// Load configuration
	// Support CONFIG_PATH environment variable for production deployments
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	appLogger := logger.NewFromEnv()
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}

	// Initialize repositories
	jobRepo := repository.NewJobRepository(db)
	jobRepo.SetExtendedColumns(cfg.Database.ExtendedColumns)
	batchRepo := repository.NewBatchRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	// Initialize bundle storage
	bundleStore, err := storage.NewS3Store(&storage.S3Config{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
		Bucket:    cfg.Storage.Bucket,
		Region:    cfg.Storage.Region,
	})
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize bundle storage")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := bundleStore.EnsureBucket(ctx); err != nil {
		appLogger.WithError(err).Fatal("Failed to ensure bundle bucket")
	}

	// Initialize outbound clients
	graphClient := graph.NewClient(&graph.Config{
		BaseURL: cfg.Graph.BaseURL,
		Timeout: cfg.Graph.Timeout,
	}, &graph.StaticTokenProvider{
		Shared:       cfg.Graph.Token,
		TenantTokens: cfg.Graph.TenantTokens,
	})
	blobClient := graph.NewBlobClient(0)
	builderClient := builder.NewClient(&builder.Config{
		BaseURL: cfg.Builder.BaseURL,
		Token:   cfg.Builder.Token,
		Timeout: cfg.Builder.Timeout,
	})
	registryClient := registry.NewClient(&registry.Config{
		BaseURL: cfg.Registry.BaseURL,
		Timeout: cfg.Registry.Timeout,
	})

	// Initialize services
	notifier := service.NewWebhookNotifier(&service.WebhookConfig{
		WebhookURL: cfg.Notify.WebhookURL,
		Timeout:    cfg.Notify.Timeout,
	}, appLogger)

	lifecycle := service.NewLifecycleManager(jobRepo, batchRepo, registryClient, builderClient, auditRepo, service.LifecycleConfig{
		CallbackURL:   cfg.Builder.CallbackURL,
		JobStaleAfter: cfg.Batch.JobStaleAfter,
	}, appLogger)

	orchestrator := service.NewOrchestrator(batchRepo, lifecycle, registryClient, graphClient, notifier, auditRepo, service.OrchestratorConfig{
		ItemStaleAfter: cfg.Batch.ItemStaleAfter,
	}, appLogger)

	uploader := service.NewContentUploader(graphClient, blobClient, service.UploaderConfig{
		ChunkSizeBytes:      cfg.Upload.ChunkSizeBytes,
		URIPollAttempts:     cfg.Upload.URIPollAttempts,
		URIPollInterval:     cfg.Upload.URIPollInterval,
		ProcessPollAttempts: cfg.Upload.ProcessPollAttempts,
		ProcessPollInterval: cfg.Upload.ProcessPollInterval,
	}, appLogger)

	dispatcher := service.NewUploadDispatcher(uploader, bundleStore, jobRepo, lifecycle, service.DispatcherConfig{
		Workers: cfg.Upload.Workers,
		TempDir: cfg.Upload.TempDir,
	}, appLogger)

	// Wire the resolution hooks before any traffic flows
	lifecycle.SetResolutionHook(orchestrator.OnJobResolved)
	lifecycle.SetUploadHook(dispatcher.Enqueue)

	dispatcher.Start(ctx)
	if resumed, err := dispatcher.ResumePendingUploads(ctx); err != nil {
		appLogger.WithError(err).Warn("Failed to resume pending uploads")
	} else if resumed > 0 {
		appLogger.WithField(logger.FieldCount, resumed).Info("Resumed pending uploads")
	}

	// Start the periodic orchestrator passes
	scheduler := service.NewScheduler(orchestrator, lifecycle, service.SchedulerConfig{
		OrchestratorCron: cfg.Batch.OrchestratorCron,
		StaleSweepCron:   cfg.Batch.StaleSweepCron,
	}, appLogger)
	if err := scheduler.Start(ctx); err != nil {
		appLogger.WithError(err).Fatal("Failed to start scheduler")
	}

	// Setup router
	router := api.SetupRouter(lifecycle, orchestrator, auditRepo, middleware.CORSConfig{
		AllowedOrigins:  cfg.Server.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.Server.CORS.AllowAllOrigins,
	}, cfg.Server.Mode, appLogger)

	// Create HTTP server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		appLogger.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}

	scheduler.Stop()
	dispatcher.Stop()
	cancel()

	appLogger.Info("Server exited")
}
