package api

import (
	"github.com/appdeploy/packpilot/internal/api/handler"
	"github.com/appdeploy/packpilot/internal/api/middleware"
	"github.com/appdeploy/packpilot/internal/logger"
	"github.com/appdeploy/packpilot/internal/repository"
	"github.com/appdeploy/packpilot/internal/service"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures the Gin router with all routes
func SetupRouter(
	lifecycle *service.LifecycleManager,
	orchestrator *service.Orchestrator,
	auditRepo *repository.AuditRepository,
	corsConfig middleware.CORSConfig,
	mode string,
	log *logger.Logger,
) *gin.Engine {
	// Set Gin mode
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(corsConfig))

	// Create handlers
	healthHandler := handler.NewHealthHandler()
	jobHandler := handler.NewJobHandler(lifecycle)
	workerHandler := handler.NewWorkerHandler(lifecycle)
	batchHandler := handler.NewBatchHandler(orchestrator)
	auditHandler := handler.NewAuditHandler(auditRepo)

	// Health check
	r.GET("/health", healthHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// Packaging jobs
		v1.POST("/jobs", jobHandler.CreateJob)
		v1.GET("/jobs", jobHandler.ListJobs)
		v1.GET("/jobs/:id", jobHandler.GetJob)
		v1.POST("/jobs/:id/cancel", jobHandler.CancelJob)
		v1.DELETE("/jobs/:id", jobHandler.DismissJob)
		v1.POST("/jobs/dismissals", jobHandler.DismissJobs)

		// Batch deployments
		v1.POST("/batches", batchHandler.CreateBatch)
		v1.GET("/batches", batchHandler.ListBatches)
		v1.GET("/batches/:id", batchHandler.GetBatch)
		v1.POST("/batches/:id/cancel", batchHandler.CancelBatch)

		// Packager worker surface
		worker := v1.Group("/worker")
		{
			worker.POST("/claims", workerHandler.ClaimJob)
			worker.POST("/jobs/:id/heartbeat", workerHandler.Heartbeat)
			worker.POST("/jobs/:id/progress", workerHandler.ReportProgress)
			worker.POST("/jobs/:id/release", workerHandler.ReleaseJob)
			worker.POST("/callbacks/packaging", workerHandler.PackagingCallback)
		}

		// Audit trail
		v1.GET("/audit", auditHandler.ListEvents)
	}

	return r
}
