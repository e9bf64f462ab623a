package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/config"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/metrics"
	"github.com/therealutkarshpriyadarshi/vodpipeline/pkg/models"
)

func testUpdate(status string, progress int) models.ProcessingUpdate {
	return models.ProcessingUpdate{
		VideoID:   "video-1",
		Status:    status,
		Progress:  progress,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

type recordingPublisher struct {
	mu      sync.Mutex
	updates []models.ProcessingUpdate
	err     error
	closed  bool
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, update models.ProcessingUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, update)
	return p.err
}

func (p *recordingPublisher) Close() error {
	p.closed = true
	return nil
}

func TestRedisPublisher(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	pub := NewRedisPublisher(client, "video-processing")
	assert.Equal(t, "video-processing:video-1", pub.Channel("video-1"))

	sub := client.Subscribe(ctx, pub.Channel("video-1"))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, pub.Publish(ctx, "video-1", testUpdate(models.VideoStatusProcessing, 40)))

	recvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(recvCtx)
	require.NoError(t, err)

	var got models.ProcessingUpdate
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, 40, got.Progress)
	assert.Equal(t, models.VideoStatusProcessing, got.Status)
}

func TestRedisPublisherError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	err := NewRedisPublisher(client, "").Publish(context.Background(), "video-1", testUpdate(models.VideoStatusProcessing, 5))
	assert.Error(t, err)
}

func TestWebhookPublisher(t *testing.T) {
	var (
		body    []byte
		headers http.Header
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		headers = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	pub, err := NewWebhookPublisher(server.URL, "s3cret", server.Client())
	require.NoError(t, err)

	require.NoError(t, pub.Publish(context.Background(), "video-1", testUpdate(models.VideoStatusPartial, 100)))

	assert.Equal(t, models.WebhookEventProcessingPartial, headers.Get(HeaderEvent))
	assert.NotEmpty(t, headers.Get(HeaderDelivery))
	assert.True(t, Verify(body, "s3cret", headers.Get(HeaderSignature)))
	assert.False(t, Verify(body, "other", headers.Get(HeaderSignature)))

	var event struct {
		Event string                  `json:"event"`
		Data  models.ProcessingUpdate `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &event))
	assert.Equal(t, models.WebhookEventProcessingPartial, event.Event)
	assert.Equal(t, "video-1", event.Data.VideoID)
}

func TestWebhookPublisherUnsigned(t *testing.T) {
	var signature string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature = r.Header.Get(HeaderSignature)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	pub, err := NewWebhookPublisher(server.URL, "", nil)
	require.NoError(t, err)
	require.NoError(t, pub.Publish(context.Background(), "video-1", testUpdate(models.VideoStatusProcessing, 10)))
	assert.Empty(t, signature)
}

func TestWebhookPublisherRejectedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	pub, err := NewWebhookPublisher(server.URL, "", server.Client())
	require.NoError(t, err)

	err = pub.Publish(context.Background(), "video-1", testUpdate(models.VideoStatusFailed, 40))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestNewWebhookPublisherRequiresURL(t *testing.T) {
	_, err := NewWebhookPublisher("", "secret", nil)
	assert.Error(t, err)
}

func TestSign(t *testing.T) {
	assert.True(t, strings.HasPrefix(Sign([]byte("{}"), "key"), "sha256="))
	assert.Len(t, Sign([]byte("{}"), "key"), len("sha256=")+64)
	assert.Equal(t, Sign([]byte("a"), "k"), Sign([]byte("a"), "k"))
	assert.NotEqual(t, Sign([]byte("a"), "k"), Sign([]byte("b"), "k"))
}

type fakeKafkaWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func (w *fakeKafkaWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	writer := &fakeKafkaWriter{}
	pub := &KafkaPublisher{writer: writer}

	require.NoError(t, pub.Publish(context.Background(), "video-1", testUpdate(models.VideoStatusCompleted, 100)))
	require.Len(t, writer.msgs, 1)

	msg := writer.msgs[0]
	assert.Equal(t, "video-1", string(msg.Key))
	assert.Equal(t, "status", msg.Headers[0].Key)
	assert.Equal(t, models.VideoStatusCompleted, string(msg.Headers[0].Value))

	var got models.ProcessingUpdate
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, 100, got.Progress)

	require.NoError(t, pub.Close())
	assert.True(t, writer.closed)
}

func TestKafkaPublisherError(t *testing.T) {
	pub := &KafkaPublisher{writer: &fakeKafkaWriter{err: errors.New("leader not available")}}

	err := pub.Publish(context.Background(), "video-1", testUpdate(models.VideoStatusProcessing, 5))
	assert.ErrorContains(t, err, "leader not available")
}

type fakeAMQPChannel struct {
	exchange string
	key      string
	msg      amqp.Publishing
	closed   bool
}

func (c *fakeAMQPChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.exchange = exchange
	c.key = key
	c.msg = msg
	return nil
}

func (c *fakeAMQPChannel) Close() error {
	c.closed = true
	return nil
}

func TestAMQPPublisher(t *testing.T) {
	channel := &fakeAMQPChannel{}
	pub := &AMQPPublisher{channel: channel, exchange: "video.processing"}

	require.NoError(t, pub.Publish(context.Background(), "video-1", testUpdate(models.VideoStatusFailed, 40)))

	assert.Equal(t, "video.processing", channel.exchange)
	assert.Equal(t, "video.failed", channel.key)
	assert.Equal(t, "video-1", channel.msg.MessageId)
	assert.Equal(t, "application/json", channel.msg.ContentType)

	require.NoError(t, pub.Close())
	assert.True(t, channel.closed)
}

func TestMultiPublishesToEveryBackend(t *testing.T) {
	metrics.NotificationsTotal.Reset()

	ok := &recordingPublisher{}
	broken := &recordingPublisher{err: errors.New("unreachable")}
	multi := NewMulti(Backend{Name: "redis", Publisher: ok}, Backend{Name: "webhook", Publisher: broken})

	err := multi.Publish(context.Background(), "video-1", testUpdate(models.VideoStatusProcessing, 50))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook: unreachable")

	assert.Len(t, ok.updates, 1)
	assert.Len(t, broken.updates, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("redis", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("webhook", "error")))

	require.NoError(t, multi.Close())
	assert.True(t, ok.closed)
	assert.True(t, broken.closed)
}

func TestNew(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	t.Run("no backends", func(t *testing.T) {
		pub, err := New(config.NotifyConfig{}, client)
		require.NoError(t, err)
		assert.IsType(t, Nop{}, pub)
	})

	t.Run("redis and webhook", func(t *testing.T) {
		pub, err := New(config.NotifyConfig{
			Backends:     []string{BackendRedis, BackendWebhook},
			RedisChannel: "updates",
			WebhookURL:   "http://example.invalid/hook",
		}, client)
		require.NoError(t, err)

		multi, ok := pub.(*Multi)
		require.True(t, ok)
		require.Len(t, multi.backends, 2)
		assert.Equal(t, BackendRedis, multi.backends[0].Name)
		assert.Equal(t, BackendWebhook, multi.backends[1].Name)
	})

	t.Run("kafka", func(t *testing.T) {
		pub, err := New(config.NotifyConfig{
			Backends:     []string{BackendKafka},
			KafkaBrokers: []string{"localhost:9092"},
			KafkaTopic:   "video-processing",
		}, nil)
		require.NoError(t, err)
		assert.NoError(t, pub.Close())
	})

	t.Run("unknown backend", func(t *testing.T) {
		_, err := New(config.NotifyConfig{Backends: []string{"carrier-pigeon"}}, client)
		assert.ErrorContains(t, err, "unknown notify backend")
	})

	t.Run("redis without client", func(t *testing.T) {
		_, err := New(config.NotifyConfig{Backends: []string{BackendRedis}}, nil)
		assert.Error(t, err)
	})

	t.Run("webhook without url", func(t *testing.T) {
		_, err := New(config.NotifyConfig{Backends: []string{BackendWebhook}}, nil)
		assert.Error(t, err)
	})
}
