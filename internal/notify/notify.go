package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/config"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/metrics"
	"github.com/therealutkarshpriyadarshi/vodpipeline/pkg/models"
)

// Backend names accepted in notify.backends
const (
	BackendRedis   = "redis"
	BackendAMQP    = "amqp"
	BackendKafka   = "kafka"
	BackendWebhook = "webhook"
)

// Publisher pushes processing updates to clients. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, videoID string, update models.ProcessingUpdate) error
	Close() error
}

// Backend is a named publisher inside a Multi
type Backend struct {
	Name      string
	Publisher Publisher
}

// Multi fans an update out to every backend
type Multi struct {
	backends []Backend
}

// NewMulti creates a fan-out publisher
func NewMulti(backends ...Backend) *Multi {
	return &Multi{backends: backends}
}

// Publish sends the update to every backend and returns the joined errors
func (m *Multi) Publish(ctx context.Context, videoID string, update models.ProcessingUpdate) error {
	var errs []error
	for _, b := range m.backends {
		err := b.Publisher.Publish(ctx, videoID, update)
		metrics.RecordNotification(b.Name, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every backend
func (m *Multi) Close() error {
	var errs []error
	for _, b := range m.backends {
		if err := b.Publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Nop drops every update
type Nop struct{}

func (Nop) Publish(context.Context, string, models.ProcessingUpdate) error { return nil }

func (Nop) Close() error { return nil }

// New builds the publishers named in cfg.Backends. The Redis backend reuses
// the given client.
func New(cfg config.NotifyConfig, client *redis.Client) (Publisher, error) {
	if len(cfg.Backends) == 0 {
		return Nop{}, nil
	}

	multi := NewMulti()
	for _, name := range cfg.Backends {
		var (
			pub Publisher
			err error
		)
		switch name {
		case BackendRedis:
			if client == nil {
				err = errors.New("redis client required")
				break
			}
			pub = NewRedisPublisher(client, cfg.RedisChannel)
		case BackendAMQP:
			pub, err = NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		case BackendKafka:
			pub, err = NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic), nil
		case BackendWebhook:
			pub, err = NewWebhookPublisher(cfg.WebhookURL, cfg.WebhookSecret, &http.Client{Timeout: 10 * time.Second})
		default:
			err = fmt.Errorf("unknown notify backend %q", name)
		}
		if err != nil {
			multi.Close()
			return nil, fmt.Errorf("failed to create %s publisher: %w", name, err)
		}
		multi.backends = append(multi.backends, Backend{Name: name, Publisher: pub})
	}

	return multi, nil
}
