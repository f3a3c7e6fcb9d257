package worker

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/dunamismax/rasterflow/internal/config"
	"github.com/dunamismax/rasterflow/internal/domain"
	"github.com/dunamismax/rasterflow/internal/imaging"
	"github.com/dunamismax/rasterflow/internal/pipeline"
	"github.com/dunamismax/rasterflow/internal/queue"
	"github.com/dunamismax/rasterflow/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Server struct {
	logger        *log.Logger
	server        *asynq.Server
	sem           chan struct{}
	pipelines     map[string]*pipeline.Pipeline
	webhookClient webhookSender
	jobStore      store.JobStore
	metrics       *metrics
	tracer        trace.Tracer
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// NewServer builds the queue consumer. One pipeline per transform variant is
// constructed here, at startup; task handling only selects among them.
func NewServer(
	logger *log.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	objectStorage pipeline.ObjectStorage,
	webhookClient webhookSender,
	jobStore store.JobStore,
) (*Server, error) {
	if objectStorage == nil {
		return nil, fmt.Errorf("storage client is required")
	}

	pipelines := make(map[string]*pipeline.Pipeline, len(imaging.All()))
	for _, transform := range imaging.All() {
		p, err := pipeline.New(pipeline.Config{
			Storage:             objectStorage,
			Transform:           transform,
			Logger:              logger,
			TempDir:             workerCfg.SpoolDir,
			MemoryFallbackBytes: workerCfg.MemoryFallbackBytes,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize %s pipeline: %w", transform.Kind(), err)
		}
		pipelines[transform.Kind()] = p
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		sem:           make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		pipelines:     pipelines,
		webhookClient: webhookClient,
		jobStore:      jobStore,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("rasterflow/worker"),
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeTransformImage, s.handleTransformImage)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleTransformImage(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := domain.JobStatusFailed

	payload, err := queue.ParseTransformImagePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	p, ok := s.pipelines[payload.Transform]
	if !ok {
		return fmt.Errorf("unknown transform kind %q: %w", payload.Transform, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.transform_image", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.transform", payload.Transform),
		attribute.String("job.bucket", payload.Bucket),
		attribute.String("job.key", payload.Key),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(payload.Transform, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(payload.Transform, outcome).Inc()
	}()

	s.sem <- struct{}{}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	s.logger.Printf("Working... job_id=%s transform=%s bucket=%s key=%s",
		payload.JobID, payload.Transform, payload.Bucket, payload.Key)

	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusProcessing)

	result, runErr := p.Run(ctx, domain.TransformRequest{Bucket: payload.Bucket, Key: payload.Key})
	s.recordRunFacts(result, runErr)

	if runErr != nil {
		s.updateJobStatus(ctx, payload.JobID, domain.JobStatusFailed)
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "pipeline failed")
		s.dispatchWebhook(ctx, payload, "job.failed", map[string]any{
			"job_id":       payload.JobID,
			"status":       domain.JobStatusFailed,
			"transform":    payload.Transform,
			"bucket":       payload.Bucket,
			"key":          payload.Key,
			"requested_at": payload.RequestedAt,
			"failed_at":    time.Now().UTC(),
			"response":     result.Envelope,
		})
		// The pipeline already converted the failure into an error envelope;
		// requeueing would just repeat a terminal failure.
		return fmt.Errorf("run pipeline: %v: %w", runErr, asynq.SkipRetry)
	}

	s.logger.Printf("Processed job_id=%s output_key=%s format=%s spooled=%v",
		payload.JobID, result.OutputKey, result.OutputFormat, result.Spooled)
	s.updateJobResult(ctx, payload.JobID, result.OutputKey)

	if err := s.dispatchWebhook(ctx, payload, "job.completed", map[string]any{
		"job_id":       payload.JobID,
		"status":       domain.JobStatusSucceeded,
		"transform":    payload.Transform,
		"bucket":       payload.Bucket,
		"key":          payload.Key,
		"output_key":   result.OutputKey,
		"requested_at": payload.RequestedAt,
		"completed_at": time.Now().UTC(),
		"response":     result.Envelope,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook dispatch failed")
		return err
	}

	outcome = domain.JobStatusSucceeded
	span.SetStatus(codes.Ok, "processed")
	return nil
}

func (s *Server) recordRunFacts(result pipeline.Result, runErr error) {
	if result.Spooled {
		s.metrics.spooledRunsTotal.Inc()
	}
	if result.EncodeFallback {
		s.metrics.encodeFallbackTotal.Inc()
	}
	if runErr != nil {
		s.metrics.failuresByKind.WithLabelValues(string(pipeline.KindOf(runErr))).Inc()
	}
}

func (s *Server) updateJobStatus(ctx context.Context, jobID, status string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		s.logger.Printf("job status update failed job_id=%s status=%s err=%v", jobID, status, err)
	}
}

func (s *Server) updateJobResult(ctx context.Context, jobID, outputKey string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.UpdateResult(ctx, jobID, domain.JobStatusSucceeded, outputKey); err != nil {
		s.logger.Printf("job result update failed job_id=%s err=%v", jobID, err)
	}
}

func (s *Server) dispatchWebhook(ctx context.Context, payload queue.TransformImagePayload, event string, body map[string]any) error {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return nil
	}

	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body); err != nil {
		s.logger.Printf("webhook delivery failed job_id=%s event=%s err=%v", payload.JobID, event, err)
		return fmt.Errorf("dispatch webhook: %w", err)
	}

	return nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
