package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/logging"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/metrics"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/notify"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/queue"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/status"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/transcoder"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/workspace"
	"github.com/therealutkarshpriyadarshi/vodpipeline/pkg/models"
)

// Overall progress at each stage boundary
const (
	progressProbed        = 5
	progressUploadStart   = 10
	progressUploaded      = 15
	progressThumbnail     = 25
	progressRenditionsEnd = 90
	progressMaster        = 95
)

var errAllRenditionsFailed = errors.New("all renditions failed")

// ErrInterrupted is the cancellation cause of attempts stopped by a worker
// shutdown. Such attempts are released instead of counted.
var ErrInterrupted = errors.New("attempt interrupted by shutdown")

const (
	maxErrorLength = 1024
	settleTimeout  = 30 * time.Second
)

// RecordStore reads and partially updates video records
type RecordStore interface {
	FindByID(ctx context.Context, id string) (*models.Video, error)
	UpdateFields(ctx context.Context, id string, update models.VideoUpdate) error
}

// BlobStore is the part of the object store the pipeline uses directly
type BlobStore interface {
	PutFile(ctx context.Context, bucket, key, filePath string) error
	Exists(ctx context.Context, bucket, key string) (bool, error)
}

// Engine probes and encodes a source
type Engine interface {
	ExtractMetadata(ctx context.Context, path string) (*transcoder.Metadata, error)
	GenerateThumbnail(ctx context.Context, req transcoder.ThumbnailRequest) (*transcoder.Thumbnail, error)
	Transcode(ctx context.Context, req transcoder.TranscodeRequest, onProgress transcoder.ProgressFunc) (*models.Rendition, error)
	AssembleMaster(ctx context.Context, videoID string, renditions models.Renditions) (string, error)
}

// JobQueue settles leased jobs
type JobQueue interface {
	Owns(ctx context.Context, job *models.Job) (bool, error)
	Complete(ctx context.Context, job *models.Job) error
	Fail(ctx context.Context, job *models.Job, reason string) error
	Reschedule(ctx context.Context, job *models.Job, reason string) (time.Time, error)
	Release(ctx context.Context, job *models.Job) error
}

// Options configures a Processor
type Options struct {
	Records      RecordStore
	Blobs        BlobStore
	Engine       Engine
	Queue        JobQueue
	Publisher    notify.Publisher
	Workspace    *workspace.Workspace
	VideoBucket  string
	ProgressStep int
	Logger       *logging.Logger
}

// Processor runs one attempt of a job from the leased state to a settled
// or rescheduled one
type Processor struct {
	records      RecordStore
	blobs        BlobStore
	engine       Engine
	queue        JobQueue
	publisher    notify.Publisher
	workspace    *workspace.Workspace
	videoBucket  string
	progressStep int
	logger       *logging.Logger
	now          func() time.Time
}

// NewProcessor creates a processor
func NewProcessor(opts Options) *Processor {
	publisher := opts.Publisher
	if publisher == nil {
		publisher = notify.Nop{}
	}
	return &Processor{
		records:      opts.Records,
		blobs:        opts.Blobs,
		engine:       opts.Engine,
		queue:        opts.Queue,
		publisher:    publisher,
		workspace:    opts.Workspace,
		videoBucket:  opts.VideoBucket,
		progressStep: opts.ProgressStep,
		logger:       opts.Logger.WithComponent("pipeline"),
		now:          time.Now,
	}
}

// Outcome is the result of an attempt that ran to the end
type Outcome struct {
	Status     string
	Error      string
	Renditions models.Renditions
	MasterKey  string
}

// Run processes a leased job. A failed attempt is rescheduled while the job
// has attempts left, otherwise the video is settled as failed. The returned
// error is the attempt error, if any, after the job was settled or
// rescheduled.
func (p *Processor) Run(ctx context.Context, job *models.Job) error {
	start := p.now()
	tracker := status.NewTracker(p.records, p.publisher, job.VideoID, p.progressStep, p.logger)
	logger := p.logger.WithVideoID(job.VideoID)

	metrics.JobsInProgress.Inc()
	defer metrics.JobsInProgress.Dec()

	logger.LogJobEvent(job.VideoID, "attempt_started", models.VideoStatusProcessing, map[string]interface{}{
		"attempt":      job.Attempts,
		"max_attempts": job.MaxAttempts,
	})

	outcome, err := p.execute(ctx, job, tracker)
	if err == nil {
		p.Settle(ctx, job, tracker, outcome, start)
		return nil
	}

	if errors.Is(context.Cause(ctx), ErrInterrupted) {
		p.Release(ctx, job, tracker)
		return err
	}

	logger.WarnWithErr("Attempt failed", err)
	if job.HasAttemptsLeft() && !isPermanent(err) {
		p.Requeue(ctx, job, tracker, err, start)
		return err
	}

	p.Settle(ctx, job, tracker, &Outcome{
		Status:     models.VideoStatusFailed,
		Error:      truncate(err.Error()),
		Renditions: outcome.renditionsOrNil(),
	}, start)
	return err
}

// Settle writes the final status, settles the job and removes local files.
// Nothing is written when the worker no longer holds the lease.
func (p *Processor) Settle(ctx context.Context, job *models.Job, tracker *status.Tracker, outcome *Outcome, start time.Time) {
	ctx, cancel := settleContext(ctx)
	defer cancel()
	logger := p.logger.WithVideoID(job.VideoID)

	if !p.ownsLease(ctx, job) {
		return
	}

	update := models.VideoUpdate{}
	if outcome.Renditions != nil {
		renditions := outcome.Renditions.Clone()
		update.Variants = &renditions
	}
	if outcome.MasterKey != "" {
		update.MasterPlaylist = models.String(outcome.MasterKey)
	}
	if err := tracker.Settle(ctx, outcome.Status, outcome.Error, update); err != nil {
		logger.ErrorWithErr("Failed to persist final status", err)
	}

	var err error
	if outcome.Status == models.VideoStatusFailed {
		err = p.queue.Fail(ctx, job, outcome.Error)
	} else {
		err = p.queue.Complete(ctx, job)
	}
	if errors.Is(err, queue.ErrLeaseLost) {
		// the video may already belong to a newer job
		metrics.RecordLeaseLost()
		logger.Warn("Lease lost while settling job, keeping local files")
		return
	} else if err != nil {
		logger.ErrorWithErr("Failed to settle job", err)
	}

	if err := p.workspace.CleanupJob(job.VideoID, job.SourcePath); err != nil {
		logger.WarnWithErr("Failed to clean up workspace", err)
	}

	metrics.RecordJobSettled(outcome.Status, p.now().Sub(start).Seconds())
	logger.LogJobEvent(job.VideoID, "attempt_settled", outcome.Status, map[string]interface{}{
		"attempt":     job.Attempts,
		"renditions":  len(outcome.Renditions.Completed()),
		"duration_ms": p.now().Sub(start).Milliseconds(),
	})
}

// Requeue records a failed attempt and schedules the next one. Only the
// attempt's outputs are removed; the original stays for the next attempt.
func (p *Processor) Requeue(ctx context.Context, job *models.Job, tracker *status.Tracker, cause error, start time.Time) {
	ctx, cancel := settleContext(ctx)
	defer cancel()
	logger := p.logger.WithVideoID(job.VideoID)

	if !p.ownsLease(ctx, job) {
		return
	}

	reason := truncate(cause.Error())
	if err := tracker.Requeue(ctx, reason); err != nil {
		logger.ErrorWithErr("Failed to persist retry status", err)
	}

	runAt, err := p.queue.Reschedule(ctx, job, reason)
	if errors.Is(err, queue.ErrLeaseLost) {
		metrics.RecordLeaseLost()
		logger.Warn("Lease lost while rescheduling job, keeping local files")
		return
	} else if err != nil {
		logger.ErrorWithErr("Failed to reschedule job", err)
	}

	if err := p.workspace.CleanupWork(job.VideoID); err != nil {
		logger.WarnWithErr("Failed to clean up work dir", err)
	}

	metrics.RecordJobRetried(p.now().Sub(start).Seconds())
	logger.LogJobEvent(job.VideoID, "attempt_rescheduled", models.VideoStatusPending, map[string]interface{}{
		"attempt": job.Attempts,
		"run_at":  runAt,
	})
}

// Release hands an interrupted job back to the queue. The attempt is not
// counted and the record goes back to pending.
func (p *Processor) Release(ctx context.Context, job *models.Job, tracker *status.Tracker) {
	ctx, cancel := settleContext(ctx)
	defer cancel()
	logger := p.logger.WithVideoID(job.VideoID)

	if !p.ownsLease(ctx, job) {
		return
	}

	if err := tracker.Requeue(ctx, ""); err != nil {
		logger.ErrorWithErr("Failed to persist pending status", err)
	}

	err := p.queue.Release(ctx, job)
	if errors.Is(err, queue.ErrLeaseLost) {
		metrics.RecordLeaseLost()
		logger.Warn("Lease lost while releasing job, keeping local files")
		return
	} else if err != nil {
		logger.ErrorWithErr("Failed to release job", err)
	}

	if err := p.workspace.CleanupWork(job.VideoID); err != nil {
		logger.WarnWithErr("Failed to clean up work dir", err)
	}
	logger.LogJobEvent(job.VideoID, "attempt_released", models.VideoStatusPending, map[string]interface{}{
		"attempt": job.Attempts,
	})
}

// Abandon settles the record of a job whose lease expired on its last
// attempt. The queue already marked the job failed.
func (p *Processor) Abandon(ctx context.Context, videoID, reason string) error {
	ctx, cancel := settleContext(ctx)
	defer cancel()

	video, err := p.records.FindByID(ctx, videoID)
	if err != nil {
		return fmt.Errorf("failed to load video: %w", err)
	}
	if models.IsSettled(video.ProcessingStatus) {
		return nil
	}

	tracker := status.NewTracker(p.records, p.publisher, videoID, p.progressStep, p.logger)
	if err := tracker.Settle(ctx, models.VideoStatusFailed, reason, models.VideoUpdate{}); err != nil {
		return err
	}
	if err := p.workspace.Cleanup(videoID); err != nil {
		p.logger.WithVideoID(videoID).WarnWithErr("Failed to clean up workspace", err)
	}

	metrics.RecordJobSettled(models.VideoStatusFailed, 0)
	return nil
}

func (p *Processor) ownsLease(ctx context.Context, job *models.Job) bool {
	owned, err := p.queue.Owns(ctx, job)
	if err != nil {
		p.logger.WithVideoID(job.VideoID).ErrorWithErr("Failed to verify lease", err)
		return false
	}
	if !owned {
		metrics.RecordLeaseLost()
		p.logger.WithVideoID(job.VideoID).Warn("Lease lost, skipping final write")
	}
	return owned
}

// settleContext keeps final writes alive after the attempt context ended
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

// isPermanent reports errors another attempt cannot fix
func isPermanent(err error) bool {
	return errors.Is(err, transcoder.ErrProbe) || errors.Is(err, workspace.ErrInvalidVideoID)
}

func truncate(s string) string {
	if len(s) > maxErrorLength {
		return s[:maxErrorLength]
	}
	return s
}
