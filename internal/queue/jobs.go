package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/KeremKalyoncu/medresolve/internal/types"
)

// ErrJobNotFound is returned for unknown or expired job ids
var ErrJobNotFound = errors.New("job not found")

// JobStore keeps batch job records in Redis so the API can report progress
// the worker makes
type JobStore struct {
	redis *redis.Client
	ttl   time.Duration
	now   func() time.Time
}

// NewJobStore creates a job store. Records expire after ttl.
func NewJobStore(rdb *redis.Client, ttl time.Duration) *JobStore {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &JobStore{redis: rdb, ttl: ttl, now: time.Now}
}

// Save stores a job record
func (s *JobStore) Save(ctx context.Context, job *types.ResolveJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return s.redis.Set(ctx, jobKey(job.ID), data, s.ttl).Err()
}

// Get retrieves a job record
func (s *JobStore) Get(ctx context.Context, id string) (*types.ResolveJob, error) {
	data, err := s.redis.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var job types.ResolveJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// SetStatus moves a job to status
func (s *JobStore) SetStatus(ctx context.Context, id string, status types.JobStatus) error {
	return s.update(ctx, id, func(job *types.ResolveJob) {
		job.Status = status
	})
}

// SetResult completes a job with its resolution. A failed resolution is
// still a completed job; the result carries the error code.
func (s *JobStore) SetResult(ctx context.Context, id string, result *types.ExtractionResult) error {
	return s.update(ctx, id, func(job *types.ResolveJob) {
		job.Status = types.JobCompleted
		job.Result = result
	})
}

// SetFailed marks a job the worker could not process at all
func (s *JobStore) SetFailed(ctx context.Context, id, msg string) error {
	return s.update(ctx, id, func(job *types.ResolveJob) {
		job.Status = types.JobFailed
		job.Error = msg
	})
}

func (s *JobStore) update(ctx context.Context, id string, fn func(*types.ResolveJob)) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	fn(job)
	job.UpdatedAt = s.now().UTC()
	return s.Save(ctx, job)
}

func jobKey(id string) string {
	return "job:" + id
}
