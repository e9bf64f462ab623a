package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/config"
	"github.com/therealutkarshpriyadarshi/vodpipeline/pkg/models"
)

var (
	// ErrJobExists is returned when a non-terminal job already exists for a video
	ErrJobExists = errors.New("job already queued for video")
	// ErrJobNotFound is returned when no job exists for a video
	ErrJobNotFound = errors.New("job not found")
	// ErrLeaseLost is returned when a worker no longer holds the job it tries to settle
	ErrLeaseLost = errors.New("job lease lost")
)

const maxErrorLength = 1024

// Queue is a Redis backed job queue with leases. A video has at most one
// live job; the job hash is keyed by video ID.
type Queue struct {
	client *redis.Client
	cfg    config.QueueConfig
	now    func() time.Time
}

// Reclaimed describes a job whose lease expired
type Reclaimed struct {
	VideoID string
	Failed  bool
}

// New creates a queue on top of an existing Redis client
func New(client *redis.Client, cfg config.QueueConfig) *Queue {
	if cfg.Prefix == "" {
		cfg.Prefix = "vodq"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Queue{
		client: client,
		cfg:    cfg,
		now:    time.Now,
	}
}

// LeaseDuration returns how long a claim stays valid
func (q *Queue) LeaseDuration() time.Duration {
	return q.cfg.LeaseDuration
}

func (q *Queue) jobPrefix() string       { return q.cfg.Prefix + ":job:" }
func (q *Queue) jobKey(id string) string { return q.jobPrefix() + id }
func (q *Queue) waitKey() string         { return q.cfg.Prefix + ":wait" }
func (q *Queue) delayedKey() string      { return q.cfg.Prefix + ":delayed" }
func (q *Queue) activeKey() string       { return q.cfg.Prefix + ":active" }
func (q *Queue) completedKey() string    { return q.cfg.Prefix + ":completed" }
func (q *Queue) failedKey() string       { return q.cfg.Prefix + ":failed" }

// Enqueue adds a job for the video. It fails with ErrJobExists while a
// waiting, delayed or active job exists; a settled job is replaced.
func (q *Queue) Enqueue(ctx context.Context, videoID, sourcePath, originalFileName string) (*models.Job, error) {
	now := q.now()
	keys := []string{q.jobKey(videoID), q.waitKey(), q.completedKey(), q.failedKey()}
	res, err := enqueueScript.Run(ctx, q.client, keys,
		videoID, sourcePath, originalFileName, q.cfg.MaxAttempts, millis(now)).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	if res == 0 {
		return nil, ErrJobExists
	}

	return &models.Job{
		VideoID:          videoID,
		SourcePath:       sourcePath,
		OriginalFileName: originalFileName,
		State:            models.JobStateWaiting,
		MaxAttempts:      q.cfg.MaxAttempts,
		EnqueuedAt:       time.UnixMilli(millis(now)),
	}, nil
}

// Get returns the job for a video
func (q *Queue) Get(ctx context.Context, videoID string) (*models.Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(videoID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return parseJob(fields), nil
}

// Remove deletes every trace of the video's job. Removing a missing job is
// not an error.
func (q *Queue) Remove(ctx context.Context, videoID string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, q.jobKey(videoID))
		pipe.LRem(ctx, q.waitKey(), 0, videoID)
		pipe.ZRem(ctx, q.delayedKey(), videoID)
		pipe.ZRem(ctx, q.activeKey(), videoID)
		pipe.ZRem(ctx, q.completedKey(), videoID)
		pipe.ZRem(ctx, q.failedKey(), videoID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove job: %w", err)
	}
	return nil
}

// Retry supersedes any prior job of the video with a fresh one
func (q *Queue) Retry(ctx context.Context, videoID, sourcePath, originalFileName string) (*models.Job, error) {
	if err := q.Remove(ctx, videoID); err != nil {
		return nil, err
	}
	return q.Enqueue(ctx, videoID, sourcePath, originalFileName)
}

// Claim leases the next runnable job. It returns nil when nothing is
// runnable. Delayed jobs whose backoff elapsed are promoted first.
func (q *Queue) Claim(ctx context.Context) (*models.Job, error) {
	now := q.now()
	leaseUntil := now.Add(q.cfg.LeaseDuration)
	token := uuid.New().String()

	keys := []string{q.waitKey(), q.delayedKey(), q.activeKey()}
	id, err := claimScript.Run(ctx, q.client, keys,
		q.jobPrefix(), millis(now), strconv.FormatInt(millis(leaseUntil), 10), token).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	job, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Owns reports whether job still holds an unexpired lease
func (q *Queue) Owns(ctx context.Context, job *models.Job) (bool, error) {
	vals, err := q.client.HMGet(ctx, q.jobKey(job.VideoID), "token", "lease_until").Result()
	if err != nil {
		return false, fmt.Errorf("failed to read lease: %w", err)
	}

	token, _ := vals[0].(string)
	if token == "" || token != job.Token {
		return false, nil
	}
	leaseUntil, _ := vals[1].(string)
	until, err := strconv.ParseInt(leaseUntil, 10, 64)
	if err != nil {
		return false, nil
	}
	return until > millis(q.now()), nil
}

// Complete settles a claimed job as completed
func (q *Queue) Complete(ctx context.Context, job *models.Job) error {
	return q.settle(ctx, job, models.JobStateCompleted, q.completedKey(), "")
}

// Fail settles a claimed job as failed without further attempts
func (q *Queue) Fail(ctx context.Context, job *models.Job, reason string) error {
	return q.settle(ctx, job, models.JobStateFailed, q.failedKey(), reason)
}

func (q *Queue) settle(ctx context.Context, job *models.Job, state, historyKey, reason string) error {
	now := millis(q.now())
	keys := []string{q.jobKey(job.VideoID), q.activeKey(), historyKey}
	ok, err := settleScript.Run(ctx, q.client, keys,
		job.VideoID, job.Token, state, now, truncate(reason)).Int()
	if err != nil {
		return fmt.Errorf("failed to settle job: %w", err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}

	job.State = state
	job.Token = ""
	job.LastError = truncate(reason)
	finished := time.UnixMilli(now)
	job.FinishedAt = &finished
	return nil
}

// Reschedule releases a claimed job and makes it runnable again after the
// backoff for its attempt number. It returns the time of the next attempt.
func (q *Queue) Reschedule(ctx context.Context, job *models.Job, reason string) (time.Time, error) {
	now := q.now()
	runAt := now.Add(q.Backoff(job.Attempts))

	keys := []string{q.jobKey(job.VideoID), q.activeKey(), q.delayedKey()}
	ok, err := rescheduleScript.Run(ctx, q.client, keys,
		job.VideoID, job.Token, millis(now), strconv.FormatInt(millis(runAt), 10), truncate(reason)).Int()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to reschedule job: %w", err)
	}
	if ok == 0 {
		return time.Time{}, ErrLeaseLost
	}

	job.State = models.JobStateDelayed
	job.Token = ""
	job.LastError = truncate(reason)
	job.RunAt = &runAt
	return runAt, nil
}

// Release hands a claimed job back to the front of the wait list without
// counting the attempt. Workers use it when they stop mid-attempt.
func (q *Queue) Release(ctx context.Context, job *models.Job) error {
	keys := []string{q.jobKey(job.VideoID), q.activeKey(), q.waitKey()}
	ok, err := releaseScript.Run(ctx, q.client, keys,
		job.VideoID, job.Token, millis(q.now())).Int()
	if err != nil {
		return fmt.Errorf("failed to release job: %w", err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}

	job.State = models.JobStateWaiting
	job.Token = ""
	if job.Attempts > 0 {
		job.Attempts--
	}
	return nil
}

// ReclaimExpired returns jobs with expired leases to the wait list, or
// fails them when they used up their attempts.
func (q *Queue) ReclaimExpired(ctx context.Context) ([]Reclaimed, error) {
	keys := []string{q.activeKey(), q.waitKey(), q.failedKey()}
	res, err := reclaimScript.Run(ctx, q.client, keys, q.jobPrefix(), millis(q.now())).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to reclaim jobs: %w", err)
	}

	reclaimed := make([]Reclaimed, 0, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		reclaimed = append(reclaimed, Reclaimed{
			VideoID: res[i],
			Failed:  res[i+1] == "failed",
		})
	}
	return reclaimed, nil
}

// Prune removes settled jobs that are older than the configured retention
// or beyond the configured history length.
func (q *Queue) Prune(ctx context.Context) (int, error) {
	now := q.now()
	total := 0
	for _, h := range []struct {
		key  string
		age  time.Duration
		keep int
	}{
		{q.completedKey(), q.cfg.KeepCompletedFor, q.cfg.KeepCompleted},
		{q.failedKey(), q.cfg.KeepFailedFor, q.cfg.KeepFailed},
	} {
		cutoff := "-inf"
		if h.age > 0 {
			cutoff = strconv.FormatInt(millis(now.Add(-h.age)), 10)
		}
		keep := h.keep
		if keep <= 0 {
			keep = -1
		}

		n, err := pruneScript.Run(ctx, q.client, []string{h.key}, q.jobPrefix(), cutoff, keep).Int()
		if err != nil {
			return total, fmt.Errorf("failed to prune %s: %w", h.key, err)
		}
		total += n
	}
	return total, nil
}

// Depth returns the number of jobs per queue state
func (q *Queue) Depth(ctx context.Context) (map[string]int64, error) {
	pipe := q.client.Pipeline()
	wait := pipe.LLen(ctx, q.waitKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	active := pipe.ZCard(ctx, q.activeKey())
	completed := pipe.ZCard(ctx, q.completedKey())
	failed := pipe.ZCard(ctx, q.failedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue depth: %w", err)
	}

	return map[string]int64{
		models.JobStateWaiting:   wait.Val(),
		models.JobStateDelayed:   delayed.Val(),
		models.JobStateActive:    active.Val(),
		models.JobStateCompleted: completed.Val(),
		models.JobStateFailed:    failed.Val(),
	}, nil
}

func parseJob(fields map[string]string) *models.Job {
	job := &models.Job{
		VideoID:          fields["video_id"],
		SourcePath:       fields["source_path"],
		OriginalFileName: fields["original_file_name"],
		State:            fields["state"],
		Token:            fields["token"],
		LastError:        fields["last_error"],
	}
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	if t := parseMillis(fields["enqueued_at"]); t != nil {
		job.EnqueuedAt = *t
	}
	job.LeaseUntil = parseMillis(fields["lease_until"])
	job.RunAt = parseMillis(fields["run_at"])
	job.StartedAt = parseMillis(fields["started_at"])
	job.FinishedAt = parseMillis(fields["finished_at"])
	return job
}

func parseMillis(s string) *time.Time {
	if s == "" {
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func truncate(s string) string {
	if len(s) > maxErrorLength {
		return s[:maxErrorLength]
	}
	return s
}
