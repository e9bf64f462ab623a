package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/config"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/logging"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/metrics"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/pipeline"
	"github.com/therealutkarshpriyadarshi/vodpipeline/pkg/models"
)

// JobSource hands out leased jobs
type JobSource interface {
	Claim(ctx context.Context) (*models.Job, error)
	LeaseDuration() time.Duration
}

// JobRunner processes one leased job
type JobRunner interface {
	Run(ctx context.Context, job *models.Job) error
}

// Pool is a fixed set of workers, each processing one job at a time
type Pool struct {
	source       JobSource
	runner       JobRunner
	concurrency  int
	pollInterval time.Duration
	logger       *logging.Logger

	mu         sync.Mutex
	running    bool
	stopPoll   context.CancelFunc
	cancelJobs context.CancelCauseFunc
	jobCtx     context.Context
	wg         sync.WaitGroup
}

// NewPool creates a pool; nothing runs until Start
func NewPool(source JobSource, runner JobRunner, cfg config.WorkerConfig, logger *logging.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Pool{
		source:       source,
		runner:       runner,
		concurrency:  cfg.Concurrency,
		pollInterval: cfg.PollInterval,
		logger:       logger.WithComponent("worker"),
	}
}

// Start launches the workers. Calling Start on a running pool does nothing.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}

	pollCtx, stopPoll := context.WithCancel(ctx)
	// Attempts outlive the poll loop so Stop can let them finish
	jobCtx, cancelJobs := context.WithCancelCause(context.WithoutCancel(ctx))
	p.stopPoll = stopPoll
	p.cancelJobs = cancelJobs
	p.jobCtx = jobCtx
	p.running = true

	for i := 1; i <= p.concurrency; i++ {
		p.wg.Add(1)
		go p.work(pollCtx, fmt.Sprintf("worker-%d", i))
	}

	p.logger.Infof("Worker pool started with %d workers", p.concurrency)
}

// Stop stops claiming jobs and waits for running attempts. When ctx ends
// first, running attempts are cancelled with pipeline.ErrInterrupted, which
// hands their jobs back without spending the attempt, and Stop returns ctx's
// error once they returned.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.stopPoll()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancelJobs(nil)
		p.logger.Info("Worker pool stopped")
		return nil
	case <-ctx.Done():
		p.logger.Warn("Shutdown deadline reached, cancelling running jobs")
		p.cancelJobs(pipeline.ErrInterrupted)
		<-done
		return ctx.Err()
	}
}

func (p *Pool) work(ctx context.Context, workerID string) {
	defer p.wg.Done()
	logger := p.logger.WithWorkerID(workerID)

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.source.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.RecordError("worker", "claim")
			logger.ErrorWithErr("Failed to claim job", err)
			p.wait(ctx)
			continue
		}
		if job == nil {
			p.wait(ctx)
			continue
		}

		p.run(logger, job)
	}
}

// run processes a job within its lease. A panic is logged and the worker
// moves on to the next job.
func (p *Pool) run(logger *logging.Logger, job *models.Job) {
	logger = logger.WithVideoID(job.VideoID)
	ctx, cancel := attemptContext(p.jobCtx, p.source.LeaseDuration())
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			metrics.RecordError("worker", "panic")
			logger.Errorf("Recovered panic while processing job: %v", r)
		}
	}()

	logger.Infof("Processing job, attempt %d of %d", job.Attempts, job.MaxAttempts)
	if err := p.runner.Run(ctx, job); err != nil {
		logger.WarnWithErr("Job attempt failed", err)
		return
	}
	logger.Info("Job attempt finished")
}

func (p *Pool) wait(ctx context.Context) {
	timer := time.NewTimer(p.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// attemptContext bounds an attempt by the lease, so no attempt outlives its
// claim
func attemptContext(parent context.Context, lease time.Duration) (context.Context, context.CancelFunc) {
	if lease <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, lease)
}
