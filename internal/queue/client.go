package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/KeremKalyoncu/medresolve/internal/logger"
	"github.com/KeremKalyoncu/medresolve/internal/types"
)

// Task types
const (
	TypeResolve = "resolve:url"
)

// Queue names. Single submissions outrank batch members.
const (
	QueueDefault = "default"
	QueueLow     = "low"
)

// Enqueuer is the part of asynq.Client the queue client uses
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// ResolvePayload is the task body of TypeResolve
type ResolvePayload struct {
	JobID string `json:"jobId"`
}

// Client enqueues resolution jobs and reads their records
type Client struct {
	asynq    Enqueuer
	jobs     *JobStore
	logger   *zap.Logger
	now      func() time.Time
	maxRetry int
}

// NewClient creates a queue client over an asynq client and a job store
func NewClient(enq Enqueuer, jobs *JobStore, logger *zap.Logger) *Client {
	return &Client{asynq: enq, jobs: jobs, logger: logger, now: time.Now, maxRetry: 3}
}

// SetMaxRetry sets how often a task is retried after a job store fault.
// Resolution failures are never retried.
func (c *Client) SetMaxRetry(n int) {
	if n >= 0 {
		c.maxRetry = n
	}
}

// EnqueueResolve enqueues a single URL
func (c *Client) EnqueueResolve(ctx context.Context, url, principal string) (*types.ResolveJob, error) {
	return c.enqueue(ctx, url, principal, "", QueueDefault)
}

// EnqueueBatch enqueues every URL under one batch id. URLs that fail to
// enqueue are logged and skipped.
func (c *Client) EnqueueBatch(ctx context.Context, urls []string, principal string) (string, []*types.ResolveJob, error) {
	batchID := uuid.New().String()
	jobs := make([]*types.ResolveJob, 0, len(urls))

	for _, url := range urls {
		job, err := c.enqueue(ctx, url, principal, batchID, QueueLow)
		if err != nil {
			c.logger.Error("Failed to enqueue batch job",
				zap.String("batch_id", batchID),
				logger.URL("url", url),
				zap.Error(err),
			)
			continue
		}
		jobs = append(jobs, job)
	}

	if len(jobs) == 0 && len(urls) > 0 {
		return "", nil, fmt.Errorf("failed to enqueue any of %d urls", len(urls))
	}
	return batchID, jobs, nil
}

func (c *Client) enqueue(ctx context.Context, url, principal, batchID, queue string) (*types.ResolveJob, error) {
	now := c.now().UTC()
	job := &types.ResolveJob{
		ID:          uuid.New().String(),
		BatchID:     batchID,
		URL:         url,
		PrincipalID: principal,
		Status:      types.JobPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// The record exists before the task so a fast worker always finds it
	if err := c.jobs.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to store job metadata: %w", err)
	}

	payload, err := json.Marshal(ResolvePayload{JobID: job.ID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	task := asynq.NewTask(TypeResolve, payload)
	info, err := c.asynq.EnqueueContext(ctx, task,
		asynq.Queue(queue),
		asynq.MaxRetry(c.maxRetry),
		asynq.Timeout(2*time.Minute),
		asynq.Retention(24*time.Hour),
		asynq.TaskID(job.ID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	c.logger.Info("Job enqueued",
		zap.String("job_id", job.ID),
		logger.URL("url", url),
		zap.String("queue", info.Queue),
	)
	return job, nil
}

// GetJob retrieves the current record of a job
func (c *Client) GetJob(ctx context.Context, id string) (*types.ResolveJob, error) {
	return c.jobs.Get(ctx, id)
}

// Close closes the asynq client
func (c *Client) Close() error {
	return c.asynq.Close()
}
