package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/logging"
	"github.com/therealutkarshpriyadarshi/vodpipeline/pkg/models"
)

const (
	defaultPrefix = "vodcache:video:"
	// generations outlive any read-through by far
	generationTTL = time.Hour
)

// KEYS: entry, generation
// ARGV: generation seen before loading, data, ttl in ms
var setIfCurrent = redis.NewScript(`
local gen = redis.call('GET', KEYS[2]) or ''
if gen ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// RecordStore is the store being cached
type RecordStore interface {
	FindByID(ctx context.Context, id string) (*models.Video, error)
	UpdateFields(ctx context.Context, id string, update models.VideoUpdate) error
}

// Records is a read-through Redis cache in front of the video records.
// Every write goes to the store first, then bumps the record's generation
// and drops the cached copy, so status polls from the API see worker writes
// on their next read. A read that loaded the record before a write cannot
// cache it afterwards: the generation it saw is gone by then.
type Records struct {
	store  RecordStore
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *logging.Logger
}

// NewRecords wraps store with a cache whose entries live for ttl
func NewRecords(store RecordStore, client *redis.Client, ttl time.Duration, logger *logging.Logger) *Records {
	return &Records{
		store:  store,
		client: client,
		ttl:    ttl,
		prefix: defaultPrefix,
		logger: logger.WithComponent("cache"),
	}
}

func (r *Records) key(id string) string           { return r.prefix + id }
func (r *Records) generationKey(id string) string { return r.prefix + id + ":gen" }

// FindByID returns the cached record or loads and caches it. Cache
// failures fall through to the store.
func (r *Records) FindByID(ctx context.Context, id string) (*models.Video, error) {
	logger := r.logger.WithVideoID(id)

	video, err := r.get(ctx, id)
	if err != nil {
		logger.WarnWithErr("Failed to read cached video", err)
	}
	if video != nil {
		return video, nil
	}

	gen, genErr := r.client.Get(ctx, r.generationKey(id)).Result()
	if errors.Is(genErr, redis.Nil) {
		gen, genErr = "", nil
	}

	video, err = r.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if genErr != nil {
		logger.WarnWithErr("Failed to read cache generation", genErr)
		return video, nil
	}
	if err := r.set(ctx, video, gen); err != nil {
		logger.WarnWithErr("Failed to cache video", err)
	}
	return video, nil
}

// UpdateFields writes through to the store and invalidates the entry
func (r *Records) UpdateFields(ctx context.Context, id string, update models.VideoUpdate) error {
	if err := r.store.UpdateFields(ctx, id, update); err != nil {
		return err
	}
	if err := r.invalidate(ctx, id); err != nil {
		r.logger.WithVideoID(id).WarnWithErr("Failed to invalidate cached video", err)
	}
	return nil
}

// set caches video unless the record was written since gen was read
func (r *Records) set(ctx context.Context, video *models.Video, gen string) error {
	data, err := json.Marshal(video)
	if err != nil {
		return fmt.Errorf("failed to marshal video: %w", err)
	}
	keys := []string{r.key(video.ID), r.generationKey(video.ID)}
	return setIfCurrent.Run(ctx, r.client, keys, gen, data, r.ttl.Milliseconds()).Err()
}

// get returns the cached record, or nil on a miss
func (r *Records) get(ctx context.Context, id string) (*models.Video, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // Cache miss
		}
		return nil, fmt.Errorf("failed to get video from cache: %w", err)
	}

	var video models.Video
	if err := json.Unmarshal(data, &video); err != nil {
		return nil, fmt.Errorf("failed to unmarshal video: %w", err)
	}
	return &video, nil
}

func (r *Records) invalidate(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, r.generationKey(id))
		pipe.Expire(ctx, r.generationKey(id), generationTTL)
		pipe.Del(ctx, r.key(id))
		return nil
	})
	return err
}
