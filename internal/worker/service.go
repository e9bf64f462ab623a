package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/config"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/database"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/logging"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/metrics"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/notify"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/pipeline"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/queue"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/storage"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/workspace"
	"github.com/therealutkarshpriyadarshi/vodpipeline/pkg/models"
)

var (
	// ErrNotRetryable is returned when a retry is requested for a video
	// that is not failed or partial
	ErrNotRetryable = errors.New("video is not in a retryable state")
	// ErrSourceUnavailable is returned when the original is not in the blob store
	ErrSourceUnavailable = errors.New("original video is not available")
)

// BlobStore is the object store as seen by the service
type BlobStore interface {
	pipeline.BlobStore
	GetFile(ctx context.Context, bucket, key, filePath string) error
	DeletePrefix(ctx context.Context, bucket, prefix string) error
}

// Options configures a Service
type Options struct {
	Queue       *queue.Queue
	Records     pipeline.RecordStore
	Blobs       BlobStore
	Engine      pipeline.Engine
	Publisher   notify.Publisher
	Workspace   *workspace.Workspace
	Worker      config.WorkerConfig
	Notify      config.NotifyConfig
	VideoBucket string
	Logger      *logging.Logger
}

// Service is the entry point of the processing core: it accepts jobs,
// reports their status, retries them and runs the worker pool
type Service struct {
	queue        *queue.Queue
	records      pipeline.RecordStore
	blobs        BlobStore
	workspace    *workspace.Workspace
	processor    *pipeline.Processor
	pool         *Pool
	videoBucket  string
	reapInterval time.Duration
	logger       *logging.Logger

	mu         sync.Mutex
	stopReaper context.CancelFunc
	reaperDone chan struct{}
}

// NewService wires the processor and the pool
func NewService(opts Options) *Service {
	processor := pipeline.NewProcessor(pipeline.Options{
		Records:      opts.Records,
		Blobs:        opts.Blobs,
		Engine:       opts.Engine,
		Queue:        opts.Queue,
		Publisher:    opts.Publisher,
		Workspace:    opts.Workspace,
		VideoBucket:  opts.VideoBucket,
		ProgressStep: opts.Notify.ProgressStep,
		Logger:       opts.Logger,
	})

	reapInterval := opts.Worker.ReapInterval
	if reapInterval <= 0 {
		reapInterval = time.Minute
	}

	return &Service{
		queue:        opts.Queue,
		records:      opts.Records,
		blobs:        opts.Blobs,
		workspace:    opts.Workspace,
		processor:    processor,
		pool:         NewPool(opts.Queue, processor, opts.Worker, opts.Logger),
		videoBucket:  opts.VideoBucket,
		reapInterval: reapInterval,
		logger:       opts.Logger.WithComponent("service"),
	}
}

// Enqueue accepts an uploaded video for processing and returns at once.
// It fails with queue.ErrJobExists while the video has a live job.
func (s *Service) Enqueue(ctx context.Context, videoID, sourcePath, originalFileName string) (*models.Job, error) {
	job, err := s.queue.Enqueue(ctx, videoID, sourcePath, originalFileName)
	if err != nil {
		return nil, err
	}

	err = s.records.UpdateFields(ctx, videoID, models.VideoUpdate{
		ProcessingStatus:   models.String(models.VideoStatusPending),
		ProcessingProgress: models.Int(0),
		ProcessingError:    models.String(""),
		ClearCompletedAt:   true,
	})
	if err != nil {
		s.logger.WithVideoID(videoID).WarnWithErr("Failed to mark video pending", err)
	}

	metrics.RecordJobEnqueued("upload")
	s.logger.LogJobEvent(videoID, "enqueued", models.JobStateWaiting, map[string]interface{}{
		"source": sourcePath,
	})
	return job, nil
}

// GetStatus returns the processing snapshot of a video
func (s *Service) GetStatus(ctx context.Context, videoID string) (*models.JobSnapshot, error) {
	video, err := s.records.FindByID(ctx, videoID)
	if err != nil {
		return nil, err
	}

	snapshot := &models.JobSnapshot{
		VideoID:     video.ID,
		Status:      video.ProcessingStatus,
		Progress:    video.ProcessingProgress,
		Error:       video.ProcessingError,
		StartedAt:   video.ProcessingStartedAt,
		CompletedAt: video.ProcessingCompletedAt,
		Renditions:  video.Variants.Clone(),
	}
	if snapshot.Renditions == nil {
		snapshot.Renditions = []models.Rendition{}
	}

	job, err := s.queue.Get(ctx, videoID)
	switch {
	case err == nil:
		snapshot.QueueState = job.State
		snapshot.Attempts = job.Attempts
	case errors.Is(err, queue.ErrJobNotFound):
	default:
		s.logger.WithVideoID(videoID).WarnWithErr("Failed to read queue state", err)
	}

	return snapshot, nil
}

// Retry starts a fresh attempt for a failed or partial video from the
// stored original. Prior outputs and any prior job are discarded.
func (s *Service) Retry(ctx context.Context, videoID string) (*models.Job, error) {
	logger := s.logger.WithVideoID(videoID)

	video, err := s.records.FindByID(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if video.ProcessingStatus != models.VideoStatusFailed && video.ProcessingStatus != models.VideoStatusPartial {
		return nil, fmt.Errorf("%w: status is %s", ErrNotRetryable, video.ProcessingStatus)
	}

	// The record settles before the queue does; the attempt still owns
	// the workspace until then
	current, err := s.queue.Get(ctx, videoID)
	if err != nil && !errors.Is(err, queue.ErrJobNotFound) {
		return nil, err
	}
	if current != nil && !current.IsTerminal() {
		return nil, fmt.Errorf("%w: job is %s", ErrNotRetryable, current.State)
	}

	if video.VideoFile == "" {
		return nil, ErrSourceUnavailable
	}
	exists, err := s.blobs.Exists(ctx, s.videoBucket, video.VideoFile)
	if err != nil {
		return nil, fmt.Errorf("failed to check original: %w", err)
	}
	if !exists {
		return nil, ErrSourceUnavailable
	}

	if err := s.workspace.Cleanup(videoID); err != nil {
		return nil, err
	}
	fileName := path.Base(video.VideoFile)
	sourcePath, err := s.workspace.NewSourcePath(videoID, fileName)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(sourcePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create video dir: %w", err)
	}
	if err := s.blobs.GetFile(ctx, s.videoBucket, video.VideoFile, sourcePath); err != nil {
		return nil, fmt.Errorf("failed to download original: %w", err)
	}

	if err := s.blobs.DeletePrefix(ctx, s.videoBucket, storage.RenditionsPrefix(videoID)); err != nil {
		logger.WarnWithErr("Failed to delete previous renditions", err)
	}

	empty := models.Renditions{}
	err = s.records.UpdateFields(ctx, videoID, models.VideoUpdate{
		ProcessingStatus:   models.String(models.VideoStatusPending),
		ProcessingProgress: models.Int(0),
		ProcessingError:    models.String(""),
		ClearCompletedAt:   true,
		MasterPlaylist:     models.String(""),
		Variants:           &empty,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reset video: %w", err)
	}

	job, err := s.queue.Retry(ctx, videoID, sourcePath, fileName)
	if err != nil {
		return nil, err
	}

	metrics.RecordJobEnqueued("retry")
	logger.LogJobEvent(videoID, "retry_enqueued", models.JobStateWaiting, map[string]interface{}{
		"previous_status": video.ProcessingStatus,
	})
	return job, nil
}

// Start runs the worker pool and the lease reaper
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopReaper != nil {
		return
	}

	reapCtx, cancel := context.WithCancel(ctx)
	s.stopReaper = cancel
	s.reaperDone = make(chan struct{})
	go s.reapLoop(reapCtx, s.reaperDone)

	s.pool.Start(ctx)
}

// Stop stops the reaper and drains the pool within ctx
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopReaper != nil {
		s.stopReaper()
		<-s.reaperDone
		s.stopReaper = nil
	}
	s.mu.Unlock()

	return s.pool.Stop(ctx)
}

func (s *Service) reapLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.reapInterval)
	defer ticker.Stop()

	s.Reap(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Reap(ctx)
		}
	}
}

// Reap reclaims expired leases, settles the records of jobs that ran out of
// attempts, prunes the job history and refreshes the queue gauges
func (s *Service) Reap(ctx context.Context) {
	reclaimed, err := s.queue.ReclaimExpired(ctx)
	if err != nil {
		s.logger.ErrorWithErr("Failed to reclaim expired jobs", err)
	}
	for _, r := range reclaimed {
		logger := s.logger.WithVideoID(r.VideoID)
		metrics.RecordLeaseLost()
		if !r.Failed {
			logger.Warn("Lease expired, job requeued")
			continue
		}
		logger.Warn("Lease expired on last attempt, job failed")
		if err := s.processor.Abandon(ctx, r.VideoID, "processing lease expired"); err != nil && !errors.Is(err, database.ErrVideoNotFound) {
			logger.ErrorWithErr("Failed to settle abandoned video", err)
		}
	}

	if n, err := s.queue.Prune(ctx); err != nil {
		s.logger.WarnWithErr("Failed to prune job history", err)
	} else if n > 0 {
		s.logger.Debugf("Pruned %d settled jobs", n)
	}

	depth, err := s.queue.Depth(ctx)
	if err != nil {
		s.logger.WarnWithErr("Failed to read queue depth", err)
		return
	}
	metrics.UpdateQueueDepth(depth)
}
