package status

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/logging"
	"github.com/therealutkarshpriyadarshi/vodpipeline/pkg/models"
)

type memoryStore struct {
	mu      sync.Mutex
	video   models.Video
	updates []models.VideoUpdate
	err     error
}

func (s *memoryStore) UpdateFields(_ context.Context, _ string, update models.VideoUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.updates = append(s.updates, update)
	update.Apply(&s.video)
	return nil
}

type memoryPublisher struct {
	mu      sync.Mutex
	updates []models.ProcessingUpdate
	err     error
}

func (p *memoryPublisher) Publish(_ context.Context, _ string, update models.ProcessingUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, update)
	return p.err
}

func (p *memoryPublisher) Close() error { return nil }

func (p *memoryPublisher) progress() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, 0, len(p.updates))
	for _, u := range p.updates {
		out = append(out, u.Progress)
	}
	return out
}

func setupTracker(t *testing.T) (*Tracker, *memoryStore, *memoryPublisher) {
	t.Helper()
	store := &memoryStore{video: models.Video{ID: "video-1", ProcessingStatus: models.VideoStatusPending}}
	pub := &memoryPublisher{}
	tracker := NewTracker(store, pub, "video-1", 5, logging.NewNopLogger())
	tracker.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return tracker, store, pub
}

func TestBegin(t *testing.T) {
	tracker, store, pub := setupTracker(t)
	store.video.ProcessingError = "previous failure"
	store.video.Variants = models.Renditions{{Resolution: models.TierLow, Status: models.RenditionStatusFailed}}
	completed := time.Now()
	store.video.ProcessingCompletedAt = &completed

	started := time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC)
	require.NoError(t, tracker.Begin(context.Background(), started))

	assert.Equal(t, models.VideoStatusProcessing, store.video.ProcessingStatus)
	assert.Equal(t, 0, store.video.ProcessingProgress)
	assert.Empty(t, store.video.ProcessingError)
	assert.Empty(t, store.video.Variants)
	assert.Nil(t, store.video.ProcessingCompletedAt)
	assert.Equal(t, started, *store.video.ProcessingStartedAt)

	require.Len(t, pub.updates, 1)
	assert.Equal(t, models.VideoStatusProcessing, pub.updates[0].Status)
}

func TestProgressThrottlesPublication(t *testing.T) {
	tracker, store, pub := setupTracker(t)
	ctx := context.Background()
	require.NoError(t, tracker.Begin(ctx, time.Now()))

	for _, p := range []int{1, 2, 3, 4, 5, 7, 9, 10, 12, 25} {
		require.NoError(t, tracker.Progress(ctx, p))
	}

	assert.Equal(t, []int{0, 5, 10, 25}, pub.progress())
	// Begin plus one write per distinct value
	assert.Len(t, store.updates, 11)
	assert.Equal(t, 25, store.video.ProcessingProgress)
}

func TestProgressIsMonotonic(t *testing.T) {
	tracker, store, _ := setupTracker(t)
	ctx := context.Background()
	require.NoError(t, tracker.Begin(ctx, time.Now()))

	require.NoError(t, tracker.Progress(ctx, 40))
	writes := len(store.updates)

	require.NoError(t, tracker.Progress(ctx, 20))
	assert.Len(t, store.updates, writes, "a lower value must not be written")

	require.NoError(t, tracker.Update(ctx, models.VideoUpdate{ProcessingProgress: models.Int(15)}))
	assert.Equal(t, 40, store.video.ProcessingProgress)

	require.NoError(t, tracker.Progress(ctx, 250))
	assert.Equal(t, 100, store.video.ProcessingProgress)
}

func TestUpdatePublishesAtStageBoundaries(t *testing.T) {
	tracker, store, pub := setupTracker(t)
	ctx := context.Background()
	require.NoError(t, tracker.Begin(ctx, time.Now()))

	variants := models.Renditions{{Resolution: models.TierLow, Status: models.RenditionStatusPending}}
	require.NoError(t, tracker.Update(ctx, models.VideoUpdate{
		ProcessingProgress: models.Int(5),
		Width:              models.Int(1920),
		Height:             models.Int(1080),
		Variants:           &variants,
	}))

	assert.Equal(t, 1920, store.video.Width)
	require.Len(t, pub.updates, 2)
	assert.Equal(t, 5, pub.updates[1].Progress)
	assert.Len(t, pub.updates[1].Variants, 1)

	// Empty updates are ignored
	require.NoError(t, tracker.Update(ctx, models.VideoUpdate{}))
	assert.Len(t, pub.updates, 2)
}

func TestUpdateRejectsFinalStatus(t *testing.T) {
	tracker, _, _ := setupTracker(t)

	err := tracker.Update(context.Background(), models.VideoUpdate{ProcessingStatus: models.String(models.VideoStatusCompleted)})
	assert.Error(t, err)
}

func TestSettle(t *testing.T) {
	tests := []struct {
		name         string
		status       string
		errMsg       string
		wantProgress int
	}{
		{"completed", models.VideoStatusCompleted, "", 100},
		{"partial", models.VideoStatusPartial, "", 100},
		{"failed keeps progress", models.VideoStatusFailed, "probe failed", 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker, store, pub := setupTracker(t)
			ctx := context.Background()
			require.NoError(t, tracker.Begin(ctx, time.Now()))
			require.NoError(t, tracker.Progress(ctx, 30))

			require.NoError(t, tracker.Settle(ctx, tt.status, tt.errMsg, models.VideoUpdate{}))

			assert.Equal(t, tt.status, store.video.ProcessingStatus)
			assert.Equal(t, tt.wantProgress, store.video.ProcessingProgress)
			assert.Equal(t, tt.errMsg, store.video.ProcessingError)
			require.NotNil(t, store.video.ProcessingCompletedAt)

			last := pub.updates[len(pub.updates)-1]
			assert.Equal(t, tt.status, last.Status)
			assert.Equal(t, tt.wantProgress, last.Progress)
			assert.Equal(t, tt.errMsg, last.Error)
		})
	}
}

func TestSettleRejectsNonFinalStatus(t *testing.T) {
	tracker, store, _ := setupTracker(t)

	err := tracker.Settle(context.Background(), models.VideoStatusProcessing, "", models.VideoUpdate{})
	assert.Error(t, err)
	assert.Empty(t, store.updates)
}

func TestRequeue(t *testing.T) {
	tracker, store, pub := setupTracker(t)
	ctx := context.Background()
	require.NoError(t, tracker.Begin(ctx, time.Now()))
	require.NoError(t, tracker.Progress(ctx, 60))

	require.NoError(t, tracker.Requeue(ctx, "upload failed"))

	assert.Equal(t, models.VideoStatusPending, store.video.ProcessingStatus)
	assert.Equal(t, 0, store.video.ProcessingProgress)
	assert.Equal(t, "upload failed", store.video.ProcessingError)

	last := pub.updates[len(pub.updates)-1]
	assert.Equal(t, models.VideoStatusPending, last.Status)
}

func TestPublishErrorsDoNotPropagate(t *testing.T) {
	tracker, store, pub := setupTracker(t)
	pub.err = errors.New("broker down")
	ctx := context.Background()

	require.NoError(t, tracker.Begin(ctx, time.Now()))
	require.NoError(t, tracker.Progress(ctx, 50))
	require.NoError(t, tracker.Settle(ctx, models.VideoStatusCompleted, "", models.VideoUpdate{}))

	assert.Equal(t, models.VideoStatusCompleted, store.video.ProcessingStatus)
	assert.Len(t, pub.updates, 3)
}

func TestStoreErrorsSkipPublication(t *testing.T) {
	tracker, store, pub := setupTracker(t)
	store.err = errors.New("connection reset")

	err := tracker.Begin(context.Background(), time.Now())
	assert.ErrorContains(t, err, "connection reset")
	assert.Empty(t, pub.updates)

	err = tracker.Progress(context.Background(), 10)
	assert.Error(t, err)
	assert.Empty(t, pub.updates)
}
