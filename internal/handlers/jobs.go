package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	apperrors "github.com/KeremKalyoncu/medresolve/internal/errors"
	"github.com/KeremKalyoncu/medresolve/internal/middleware"
	"github.com/KeremKalyoncu/medresolve/internal/queue"
	"github.com/KeremKalyoncu/medresolve/internal/types"
)

// JobQueue is the part of queue.Client the API uses
type JobQueue interface {
	EnqueueBatch(ctx context.Context, urls []string, principal string) (string, []*types.ResolveJob, error)
	GetJob(ctx context.Context, id string) (*types.ResolveJob, error)
}

// JobHandler submits batches to the worker queue and reports job state
type JobHandler struct {
	queue  JobQueue
	logger *zap.Logger
}

// NewJobHandler creates a job handler
func NewJobHandler(q JobQueue, logger *zap.Logger) *JobHandler {
	return &JobHandler{queue: q, logger: logger}
}

// SubmitBatch enqueues every URL of the batch
// POST /api/v1/batch
func (h *JobHandler) SubmitBatch(c *fiber.Ctx) error {
	var req middleware.BatchRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.ErrInvalidRequest.WithCause(err)
	}
	if err := middleware.ValidateBatchRequest(&req); err != nil {
		return err
	}

	batchID, jobs, err := h.queue.EnqueueBatch(c.UserContext(), req.URLs, middleware.Principal(c))
	if err != nil {
		h.logger.Error("Failed to enqueue batch", zap.Error(err))
		return apperrors.ErrInternal.WithMessage("Failed to enqueue batch jobs").WithCause(err)
	}

	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"batchId":  batchID,
		"jobIds":   ids,
		"count":    len(ids),
		"rejected": len(req.URLs) - len(ids),
	})
}

// GetJob returns the current record of a job
// GET /api/v1/jobs/:id
func (h *JobHandler) GetJob(c *fiber.Ctx) error {
	job, err := h.queue.GetJob(c.UserContext(), c.Params("id"))
	if errors.Is(err, queue.ErrJobNotFound) {
		return apperrors.ErrNotFound.WithMessage("Job not found")
	}
	if err != nil {
		return apperrors.ErrInternal.WithCause(err)
	}
	return c.JSON(job)
}
