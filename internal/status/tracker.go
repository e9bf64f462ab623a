package status

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/logging"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/metrics"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/notify"
	"github.com/therealutkarshpriyadarshi/vodpipeline/pkg/models"
)

// DefaultStep is the progress distance between two published updates
const DefaultStep = 5

// Store persists the processing fields of a video record
type Store interface {
	UpdateFields(ctx context.Context, id string, update models.VideoUpdate) error
}

// Tracker persists the status of one processing attempt and publishes it.
// Every change is written to the store before it is published. Progress
// never decreases during an attempt and is published in steps.
type Tracker struct {
	store     Store
	publisher notify.Publisher
	logger    *logging.Logger
	videoID   string
	step      int
	now       func() time.Time

	mu            sync.Mutex
	status        string
	progress      int
	lastPublished int
	errMsg        string
	variants      models.Renditions
}

// NewTracker creates a tracker for one attempt on a video
func NewTracker(store Store, publisher notify.Publisher, videoID string, step int, logger *logging.Logger) *Tracker {
	if step <= 0 {
		step = DefaultStep
	}
	if publisher == nil {
		publisher = notify.Nop{}
	}
	return &Tracker{
		store:         store,
		publisher:     publisher,
		logger:        logger.WithVideoID(videoID).WithComponent("status"),
		videoID:       videoID,
		step:          step,
		now:           time.Now,
		status:        models.VideoStatusPending,
		lastPublished: -1,
	}
}

// Begin marks the start of an attempt: status processing, progress 0, no
// error and no renditions
func (t *Tracker) Begin(ctx context.Context, startedAt time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	empty := models.Renditions{}
	err := t.store.UpdateFields(ctx, t.videoID, models.VideoUpdate{
		ProcessingStatus:    models.String(models.VideoStatusProcessing),
		ProcessingProgress:  models.Int(0),
		ProcessingError:     models.String(""),
		ProcessingStartedAt: models.Time(startedAt),
		ClearCompletedAt:    true,
		Variants:            &empty,
	})
	if err != nil {
		return fmt.Errorf("failed to persist attempt start: %w", err)
	}

	t.status = models.VideoStatusProcessing
	t.progress = 0
	t.errMsg = ""
	t.variants = empty
	t.publishLocked(ctx)
	return nil
}

// Update persists a stage boundary. A progress value lower than the current
// one is raised to it.
func (t *Tracker) Update(ctx context.Context, update models.VideoUpdate) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if update.ProcessingProgress != nil {
		update.ProcessingProgress = models.Int(t.clamp(*update.ProcessingProgress))
	}
	if update.ProcessingStatus != nil && models.IsSettled(*update.ProcessingStatus) {
		return fmt.Errorf("use Settle for final status %s", *update.ProcessingStatus)
	}
	if update.IsEmpty() {
		return nil
	}

	if err := t.store.UpdateFields(ctx, t.videoID, update); err != nil {
		return fmt.Errorf("failed to persist status: %w", err)
	}

	t.apply(update)
	if t.progress-t.lastPublished >= t.step {
		t.publishLocked(ctx)
	}
	return nil
}

// Progress records the overall percentage. Nothing is written unless the
// integer value grows.
func (t *Tracker) Progress(ctx context.Context, percent int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	percent = t.clamp(percent)
	if percent == t.progress {
		return nil
	}

	if err := t.store.UpdateFields(ctx, t.videoID, models.VideoUpdate{
		ProcessingProgress: models.Int(percent),
	}); err != nil {
		return fmt.Errorf("failed to persist progress: %w", err)
	}

	t.progress = percent
	if t.progress-t.lastPublished >= t.step || t.progress == 100 {
		t.publishLocked(ctx)
	}
	return nil
}

// Settle persists a final status and always publishes it. Completed and
// partial attempts end at 100%.
func (t *Tracker) Settle(ctx context.Context, status, errMsg string, update models.VideoUpdate) error {
	if !models.IsSettled(status) {
		return fmt.Errorf("%s is not a final status", status)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	update.ProcessingStatus = models.String(status)
	update.ProcessingError = models.String(errMsg)
	update.ProcessingCompletedAt = models.Time(t.now())
	if status != models.VideoStatusFailed {
		update.ProcessingProgress = models.Int(100)
	} else if update.ProcessingProgress != nil {
		update.ProcessingProgress = models.Int(t.clamp(*update.ProcessingProgress))
	}

	if err := t.store.UpdateFields(ctx, t.videoID, update); err != nil {
		return fmt.Errorf("failed to persist final status: %w", err)
	}

	t.apply(update)
	t.publishLocked(ctx)
	return nil
}

// Requeue records a failed attempt that will run again: the record goes
// back to pending with the attempt error and progress 0
func (t *Tracker) Requeue(ctx context.Context, errMsg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	update := models.VideoUpdate{
		ProcessingStatus:   models.String(models.VideoStatusPending),
		ProcessingProgress: models.Int(0),
		ProcessingError:    models.String(errMsg),
	}
	if err := t.store.UpdateFields(ctx, t.videoID, update); err != nil {
		return fmt.Errorf("failed to persist requeue: %w", err)
	}

	t.status = models.VideoStatusPending
	t.progress = 0
	t.errMsg = errMsg
	t.publishLocked(ctx)
	return nil
}

func (t *Tracker) clamp(percent int) int {
	if percent < t.progress {
		percent = t.progress
	}
	if percent > 100 {
		percent = 100
	}
	return percent
}

func (t *Tracker) apply(update models.VideoUpdate) {
	if update.ProcessingStatus != nil {
		t.status = *update.ProcessingStatus
	}
	if update.ProcessingProgress != nil {
		t.progress = *update.ProcessingProgress
	}
	if update.ProcessingError != nil {
		t.errMsg = *update.ProcessingError
	}
	if update.Variants != nil {
		t.variants = update.Variants.Clone()
	}
}

// publishLocked never fails the caller; delivery problems are logged
func (t *Tracker) publishLocked(ctx context.Context) {
	msg := models.ProcessingUpdate{
		VideoID:   t.videoID,
		Status:    t.status,
		Progress:  t.progress,
		Variants:  t.variants.Clone(),
		Error:     t.errMsg,
		Timestamp: t.now(),
	}
	t.lastPublished = t.progress

	if err := t.publisher.Publish(ctx, t.videoID, msg); err != nil {
		metrics.RecordError("notify", "publish")
		t.logger.WarnWithErr("Failed to publish processing update", err)
	}
}
