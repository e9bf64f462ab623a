package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/logging"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/metrics"
	"github.com/therealutkarshpriyadarshi/vodpipeline/pkg/models"
)

// ErrClosed is returned by Publish after Close
var ErrClosed = errors.New("publisher closed")

const (
	defaultBufferSize     = 256
	defaultPublishTimeout = 5 * time.Second
)

type pending struct {
	videoID string
	update  models.ProcessingUpdate
}

// Async hands updates to a background sender so a slow backend never holds
// up the caller. Updates are sent in order; when the buffer is full the new
// update is dropped and counted.
type Async struct {
	next    Publisher
	timeout time.Duration
	logger  *logging.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan pending
	done   chan struct{}
}

// NewAsync starts the sender. Each delivery gets at most timeout.
func NewAsync(next Publisher, bufferSize int, timeout time.Duration, logger *logging.Logger) *Async {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	a := &Async{
		next:    next,
		timeout: timeout,
		logger:  logger.WithComponent("notify"),
		queue:   make(chan pending, bufferSize),
		done:    make(chan struct{}),
	}
	go a.send()
	return a
}

// Publish queues the update and returns right away
func (a *Async) Publish(_ context.Context, videoID string, update models.ProcessingUpdate) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}

	select {
	case a.queue <- pending{videoID: videoID, update: update}:
		return nil
	default:
		metrics.RecordNotificationDropped()
		a.logger.WithVideoID(videoID).Warn("Notification buffer full, dropping update")
		return nil
	}
}

// Close delivers what is buffered and closes the wrapped publisher
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return a.next.Close()
}

func (a *Async) send() {
	defer close(a.done)
	for p := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Publish(ctx, p.videoID, p.update); err != nil {
			a.logger.WithVideoID(p.videoID).WarnWithErr("Failed to publish update", err)
		}
		cancel()
	}
}
