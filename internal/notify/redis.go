package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/therealutkarshpriyadarshi/vodpipeline/pkg/models"
)

// RedisPublisher publishes updates on a per-video pub/sub channel
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisPublisher creates a publisher on channels named {prefix}:{videoID}
func NewRedisPublisher(client *redis.Client, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = "video-processing"
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

// Channel returns the channel a video's updates are published on
func (p *RedisPublisher) Channel(videoID string) string {
	return p.prefix + ":" + videoID
}

func (p *RedisPublisher) Publish(ctx context.Context, videoID string, update models.ProcessingUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal update: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(videoID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish update: %w", err)
	}
	return nil
}

// Close is a no-op; the client is owned by the caller
func (p *RedisPublisher) Close() error { return nil }
