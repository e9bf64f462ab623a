package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/config"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/logging"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/middleware"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/workspace"
	"github.com/therealutkarshpriyadarshi/vodpipeline/pkg/models"
)

// VideoService is the processing core as seen by the HTTP layer
type VideoService interface {
	Enqueue(ctx context.Context, videoID, sourcePath, originalFileName string) (*models.Job, error)
	GetStatus(ctx context.Context, videoID string) (*models.JobSnapshot, error)
	Retry(ctx context.Context, videoID string) (*models.Job, error)
}

// VideoStore creates records and reports totals
type VideoStore interface {
	CreateVideo(ctx context.Context, video *models.Video) error
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// QueueStats reports the number of jobs per queue state
type QueueStats interface {
	Depth(ctx context.Context) (map[string]int64, error)
}

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// API serves the upload, status and retry endpoints
type API struct {
	service       VideoService
	videos        VideoStore
	queue         QueueStats
	workspace     *workspace.Workspace
	checks        map[string]HealthCheck
	maxUploadSize int64
	logger        *logging.Logger
}

// Options configures an API
type Options struct {
	Service       VideoService
	Videos        VideoStore
	Queue         QueueStats
	Workspace     *workspace.Workspace
	HealthChecks  map[string]HealthCheck
	MaxUploadSize int64
	Logger        *logging.Logger
}

// New creates an API
func New(opts Options) *API {
	return &API{
		service:       opts.Service,
		videos:        opts.Videos,
		queue:         opts.Queue,
		workspace:     opts.Workspace,
		checks:        opts.HealthChecks,
		maxUploadSize: opts.MaxUploadSize,
		logger:        opts.Logger.WithComponent("api"),
	}
}

// Router builds the gin engine with every route and middleware
func (a *API) Router(cfg config.ServerConfig, limiter *middleware.RateLimiter) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.Logger(a.logger))

	router.GET("/health", a.healthCheck)

	v1 := router.Group("/api/v1")
	{
		upload := []gin.HandlerFunc{a.uploadVideo}
		if limiter != nil && cfg.RateLimitRPS > 0 {
			upload = append([]gin.HandlerFunc{middleware.RateLimit(limiter)}, upload...)
		}
		v1.POST("/videos/:id/upload", upload...)
		v1.GET("/videos/:id/processing", a.getProcessingStatus)
		v1.POST("/videos/:id/retry", a.retryProcessing)
		v1.GET("/stats", a.getStats)
	}

	return router
}

const healthTimeout = 5 * time.Second
