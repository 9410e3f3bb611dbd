package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/KeremKalyoncu/medresolve/internal/logger"
	"github.com/KeremKalyoncu/medresolve/internal/types"
)

// Resolver is what the worker runs for each job
type Resolver interface {
	ResolveFor(ctx context.Context, rawURL, principal string) *types.ExtractionResult
}

// JobObserver is told when jobs start and finish
type JobObserver interface {
	RecordJobStart()
	RecordJobDone()
}

// Processor executes resolve tasks and records their outcome
type Processor struct {
	resolver Resolver
	jobs     *JobStore
	observer JobObserver
	logger   *zap.Logger
}

// NewProcessor creates a task processor
func NewProcessor(resolver Resolver, jobs *JobStore, logger *zap.Logger) *Processor {
	return &Processor{resolver: resolver, jobs: jobs, logger: logger}
}

// SetObserver attaches a job observer
func (p *Processor) SetObserver(o JobObserver) {
	p.observer = o
}

// HandleResolveTask processes one TypeResolve task. Resolution failures are
// recorded on the job and never retried; only job store faults are.
func (p *Processor) HandleResolveTask(ctx context.Context, task *asynq.Task) error {
	var payload ResolvePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}

	job, err := p.jobs.Get(ctx, payload.JobID)
	if errors.Is(err, ErrJobNotFound) {
		p.logger.Warn("Job record missing, dropping task", zap.String("job_id", payload.JobID))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}
	if job.Status == types.JobCompleted {
		return nil
	}

	if p.observer != nil {
		p.observer.RecordJobStart()
		defer p.observer.RecordJobDone()
	}

	p.logger.Info("Processing resolve job",
		zap.String("job_id", job.ID),
		zap.String("batch_id", job.BatchID),
		logger.URL("url", job.URL),
	)

	if err := p.jobs.SetStatus(ctx, job.ID, types.JobProcessing); err != nil {
		return err
	}

	result := p.resolver.ResolveFor(ctx, job.URL, job.PrincipalID)
	if err := p.jobs.SetResult(ctx, job.ID, result); err != nil {
		return err
	}

	p.logger.Info("Resolve job completed",
		zap.String("job_id", job.ID),
		zap.Bool("success", result.Success),
		zap.String("error_code", result.ErrorCode),
	)
	return nil
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Redis           asynq.RedisConnOpt
	Concurrency     int
	Queues          map[string]int
	ShutdownTimeout time.Duration
	Logger          *zap.Logger
}

// Server wraps the asynq server running the processor
type Server struct {
	asynq  *asynq.Server
	mux    *asynq.ServeMux
	logger *zap.Logger
}

// NewServer creates a new queue server
func NewServer(cfg ServerConfig, processor *Processor) *Server {
	if len(cfg.Queues) == 0 {
		cfg.Queues = map[string]int{QueueDefault: 6, QueueLow: 2}
	}
	asynqServer := asynq.NewServer(cfg.Redis, asynq.Config{
		Concurrency:     cfg.Concurrency,
		Queues:          cfg.Queues,
		StrictPriority:  false,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          NewAsynqLogger(cfg.Logger),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			cfg.Logger.Error("Task failed",
				zap.String("type", task.Type()),
				zap.Error(err),
			)
		}),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeResolve, processor.HandleResolveTask)

	return &Server{asynq: asynqServer, mux: mux, logger: cfg.Logger}
}

// Start starts processing in the background
func (s *Server) Start() error {
	s.logger.Info("Starting worker server")
	return s.asynq.Start(s.mux)
}

// Shutdown waits for active tasks and stops the server
func (s *Server) Shutdown(context.Context) error {
	s.logger.Info("Shutting down worker server")
	s.asynq.Shutdown()
	return nil
}

// AsynqLogger adapts zap.Logger to asynq.Logger interface
type AsynqLogger struct {
	logger *zap.Logger
}

// NewAsynqLogger wraps logger
func NewAsynqLogger(logger *zap.Logger) *AsynqLogger {
	return &AsynqLogger{logger: logger}
}

func (l *AsynqLogger) Debug(args ...interface{}) {
	l.logger.Debug(fmt.Sprint(args...))
}

func (l *AsynqLogger) Info(args ...interface{}) {
	l.logger.Info(fmt.Sprint(args...))
}

func (l *AsynqLogger) Warn(args ...interface{}) {
	l.logger.Warn(fmt.Sprint(args...))
}

func (l *AsynqLogger) Error(args ...interface{}) {
	l.logger.Error(fmt.Sprint(args...))
}

func (l *AsynqLogger) Fatal(args ...interface{}) {
	l.logger.Fatal(fmt.Sprint(args...))
}
