package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/logging"
	"github.com/therealutkarshpriyadarshi/vodpipeline/pkg/models"
)

var errNotFound = errors.New("video not found")

type countingStore struct {
	videos map[string]models.Video
	finds  int
	// runs after the record was read and before it is returned
	afterRead func()
}

func (s *countingStore) FindByID(_ context.Context, id string) (*models.Video, error) {
	s.finds++
	v, ok := s.videos[id]
	if !ok {
		return nil, errNotFound
	}
	if hook := s.afterRead; hook != nil {
		s.afterRead = nil
		hook()
	}
	return &v, nil
}

func (s *countingStore) UpdateFields(_ context.Context, id string, update models.VideoUpdate) error {
	v, ok := s.videos[id]
	if !ok {
		return errNotFound
	}
	update.Apply(&v)
	s.videos[id] = v
	return nil
}

func setupTestCache(t *testing.T) (*Records, *countingStore, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := &countingStore{videos: map[string]models.Video{
		"video-1": {
			ID:               "video-1",
			ProcessingStatus: models.VideoStatusProcessing,
			Width:            1920,
			Height:           1080,
			Variants:         models.Renditions{{Resolution: "low", Status: models.RenditionStatusCompleted}},
		},
	}}
	return NewRecords(store, client, time.Minute, logging.NewNopLogger()), store, mr
}

func TestRecordsReadThrough(t *testing.T) {
	records, store, mr := setupTestCache(t)
	ctx := context.Background()

	first, err := records.FindByID(ctx, "video-1")
	require.NoError(t, err)
	second, err := records.FindByID(ctx, "video-1")
	require.NoError(t, err)

	assert.Equal(t, 1, store.finds, "second read should be served from cache")
	assert.Equal(t, first.Width, second.Width)
	require.Len(t, second.Variants, 1)
	assert.Equal(t, "low", second.Variants[0].Resolution)
	assert.True(t, mr.Exists("vodcache:video:video-1"))
	assert.Equal(t, time.Minute, mr.TTL("vodcache:video:video-1"))
}

func TestRecordsUpdateInvalidates(t *testing.T) {
	records, store, mr := setupTestCache(t)
	ctx := context.Background()

	_, err := records.FindByID(ctx, "video-1")
	require.NoError(t, err)

	require.NoError(t, records.UpdateFields(ctx, "video-1", models.VideoUpdate{
		ProcessingStatus:   models.String(models.VideoStatusCompleted),
		ProcessingProgress: models.Int(100),
	}))
	assert.False(t, mr.Exists("vodcache:video:video-1"))

	video, err := records.FindByID(ctx, "video-1")
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusCompleted, video.ProcessingStatus)
	assert.Equal(t, 100, video.ProcessingProgress)
	assert.Equal(t, 2, store.finds)
}

func TestRecordsMissIsNotCached(t *testing.T) {
	records, _, mr := setupTestCache(t)

	_, err := records.FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, errNotFound)
	assert.False(t, mr.Exists("vodcache:video:missing"))
}

func TestRecordsFailedUpdateKeepsEntry(t *testing.T) {
	records, _, mr := setupTestCache(t)
	ctx := context.Background()

	err := records.UpdateFields(ctx, "missing", models.VideoUpdate{ProcessingProgress: models.Int(5)})
	assert.ErrorIs(t, err, errNotFound)

	_, err = records.FindByID(ctx, "video-1")
	require.NoError(t, err)
	err = records.UpdateFields(ctx, "missing", models.VideoUpdate{ProcessingProgress: models.Int(5)})
	assert.Error(t, err)
	assert.True(t, mr.Exists("vodcache:video:video-1"))
}

func TestRecordsFallsThroughWhenRedisIsDown(t *testing.T) {
	records, store, mr := setupTestCache(t)
	mr.Close()

	video, err := records.FindByID(context.Background(), "video-1")
	require.NoError(t, err)
	assert.Equal(t, "video-1", video.ID)
	assert.Equal(t, 1, store.finds)

	require.NoError(t, records.UpdateFields(context.Background(), "video-1", models.VideoUpdate{ProcessingProgress: models.Int(50)}))
	assert.Equal(t, 50, store.videos["video-1"].ProcessingProgress)
}

func TestRecordsStaleReadIsNotCached(t *testing.T) {
	records, store, mr := setupTestCache(t)
	ctx := context.Background()

	// The worker settles the video while a poll is loading the old row
	store.afterRead = func() {
		require.NoError(t, records.UpdateFields(ctx, "video-1", models.VideoUpdate{
			ProcessingStatus: models.String(models.VideoStatusFailed),
		}))
	}

	stale, err := records.FindByID(ctx, "video-1")
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusProcessing, stale.ProcessingStatus)
	assert.False(t, mr.Exists("vodcache:video:video-1"), "a row loaded before the write must not be cached")

	fresh, err := records.FindByID(ctx, "video-1")
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusFailed, fresh.ProcessingStatus)
	assert.True(t, mr.Exists("vodcache:video:video-1"))
}
