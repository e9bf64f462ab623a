package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/config"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/logging"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/pipeline"
	"github.com/therealutkarshpriyadarshi/vodpipeline/pkg/models"
)

type fakeSource struct {
	mu    sync.Mutex
	jobs  []*models.Job
	err   error
	lease time.Duration
	calls int
}

func (s *fakeSource) Claim(context.Context) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if len(s.jobs) == 0 {
		return nil, nil
	}
	job := s.jobs[0]
	s.jobs = s.jobs[1:]
	return job, nil
}

func (s *fakeSource) LeaseDuration() time.Duration { return s.lease }

func (s *fakeSource) claims() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type runnerFunc func(ctx context.Context, job *models.Job) error

func (f runnerFunc) Run(ctx context.Context, job *models.Job) error { return f(ctx, job) }

func testWorkerConfig(concurrency int) config.WorkerConfig {
	return config.WorkerConfig{Concurrency: concurrency, PollInterval: 10 * time.Millisecond}
}

func jobs(ids ...string) []*models.Job {
	out := make([]*models.Job, 0, len(ids))
	for _, id := range ids {
		out = append(out, &models.Job{VideoID: id, Attempts: 1, MaxAttempts: 3})
	}
	return out
}

func TestPoolProcessesEveryJob(t *testing.T) {
	source := &fakeSource{jobs: jobs("a", "b", "c", "d", "e")}

	var mu sync.Mutex
	seen := map[string]int{}
	runner := runnerFunc(func(_ context.Context, job *models.Job) error {
		mu.Lock()
		defer mu.Unlock()
		seen[job.VideoID]++
		return nil
	})

	pool := NewPool(source, runner, testWorkerConfig(3), logging.NewNopLogger())
	pool.Start(context.Background())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 5
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, pool.Stop(context.Background()))
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s ran more than once", id)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	source := &fakeSource{jobs: jobs("a", "b", "c", "d", "e", "f")}

	var running, peak, done int32
	runner := runnerFunc(func(context.Context, *models.Job) error {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		atomic.AddInt32(&done, 1)
		return nil
	})

	pool := NewPool(source, runner, testWorkerConfig(2), logging.NewNopLogger())
	pool.Start(context.Background())

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&done) == 6 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Stop(context.Background()))
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestPoolRecoversPanic(t *testing.T) {
	source := &fakeSource{jobs: jobs("boom", "fine")}

	var processed atomic.Value
	runner := runnerFunc(func(_ context.Context, job *models.Job) error {
		if job.VideoID == "boom" {
			panic("unexpected")
		}
		processed.Store(job.VideoID)
		return nil
	})

	pool := NewPool(source, runner, testWorkerConfig(1), logging.NewNopLogger())
	pool.Start(context.Background())

	assert.Eventually(t, func() bool { return processed.Load() == "fine" }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Stop(context.Background()))
}

func TestPoolKeepsPollingAfterClaimError(t *testing.T) {
	source := &fakeSource{err: errors.New("redis unavailable")}
	pool := NewPool(source, runnerFunc(func(context.Context, *models.Job) error { return nil }), testWorkerConfig(1), logging.NewNopLogger())
	pool.Start(context.Background())

	assert.Eventually(t, func() bool { return source.claims() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Stop(context.Background()))
}

func TestPoolAttemptBoundedByLease(t *testing.T) {
	source := &fakeSource{jobs: jobs("slow"), lease: 30 * time.Millisecond}

	result := make(chan error, 1)
	runner := runnerFunc(func(ctx context.Context, _ *models.Job) error {
		<-ctx.Done()
		result <- ctx.Err()
		return ctx.Err()
	})

	pool := NewPool(source, runner, testWorkerConfig(1), logging.NewNopLogger())
	pool.Start(context.Background())

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.NotErrorIs(t, err, pipeline.ErrInterrupted)
	case <-time.After(2 * time.Second):
		t.Fatal("attempt was not bounded by its lease")
	}
	require.NoError(t, pool.Stop(context.Background()))
}

func TestPoolStopWaitsForRunningJob(t *testing.T) {
	source := &fakeSource{jobs: jobs("a")}

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	runner := runnerFunc(func(ctx context.Context, _ *models.Job) error {
		close(started)
		<-release
		finished.Store(ctx.Err() == nil)
		return nil
	})

	pool := NewPool(source, runner, testWorkerConfig(1), logging.NewNopLogger())
	pool.Start(context.Background())
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- pool.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was running")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-stopped)
	assert.True(t, finished.Load(), "job context should stay live during a graceful stop")
}

func TestPoolStopDeadlineCancelsJobs(t *testing.T) {
	source := &fakeSource{jobs: jobs("a")}

	started := make(chan struct{})
	cause := make(chan error, 1)
	runner := runnerFunc(func(ctx context.Context, _ *models.Job) error {
		close(started)
		<-ctx.Done()
		cause <- context.Cause(ctx)
		return ctx.Err()
	})

	pool := NewPool(source, runner, testWorkerConfig(1), logging.NewNopLogger())
	pool.Start(context.Background())
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Stop(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	// the processor hands such jobs back instead of failing them
	assert.ErrorIs(t, <-cause, pipeline.ErrInterrupted)
}

func TestPoolStopWithoutStart(t *testing.T) {
	pool := NewPool(&fakeSource{}, runnerFunc(func(context.Context, *models.Job) error { return nil }), config.WorkerConfig{}, logging.NewNopLogger())
	assert.NoError(t, pool.Stop(context.Background()))
	assert.Equal(t, 1, pool.concurrency)
	assert.Equal(t, 2*time.Second, pool.pollInterval)
}
