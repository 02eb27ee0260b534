package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/terramentis-ai/terraqore-studio-sub002/internal/compute"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/events"
)

const instrumentationName = "github.com/terramentis-ai/terraqore-studio-sub002/internal/queue"

// Result is the per-job outcome of a batch execution. Failed jobs carry
// the final error text after the retry budget is spent.
type Result struct {
	JobID      string `json:"job_id"`
	ArtifactID string `json:"artifact_id,omitempty"`
	BatchID    string `json:"batch_id"`
	Success    bool   `json:"success"`
	Content    string `json:"content,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Processor handles one whole batch, bypassing the prompt/provider path.
type Processor func(ctx context.Context, batch *Batch) error

// WorkerOptions carries the worker's optional collaborators. Either a
// Processor or an Assembler plus Provider must be present for RunOnce to
// execute batches.
type WorkerOptions struct {
	Processor     Processor
	Assembler     compute.PromptAssembler
	Provider      compute.Provider
	ResultHandler func(*Result)
	Hub           *events.Hub
}

// Worker drains the queue, batches jobs, and executes the batches.
// RunOnce is safe to call repeatedly and concurrently: jobs are claimed
// atomically at dequeue time, so no job is lost or run twice.
type Worker struct {
	queue     *GatewayQueue
	scheduler *Scheduler
	retry     RetryConfig
	opts      WorkerOptions
	logger    *zap.Logger

	mu      sync.Mutex
	results []*Result

	batchCounter metric.Int64Counter
	jobCounter   metric.Int64Counter
}

// NewWorker wires a worker over a queue and scheduler.
func NewWorker(q *GatewayQueue, s *Scheduler, retry RetryConfig, opts WorkerOptions, logger *zap.Logger) (*Worker, error) {
	if q == nil {
		return nil, errors.New("queue is required")
	}
	if s == nil {
		return nil, errors.New("scheduler is required")
	}
	if opts.Processor == nil && (opts.Assembler == nil || opts.Provider == nil) {
		return nil, errors.New("a processor or an assembler and provider are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	retry.ApplyDefaults()

	w := &Worker{
		queue:     q,
		scheduler: s,
		retry:     retry,
		opts:      opts,
		logger:    logger,
	}
	w.initMetrics()
	return w, nil
}

func (w *Worker) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error
	w.batchCounter, err = meter.Int64Counter("studio.gateway.batches_total",
		metric.WithDescription("Batches executed by the gateway worker"))
	if err != nil {
		w.logger.Warn("failed to create batch counter", zap.Error(err))
	}
	w.jobCounter, err = meter.Int64Counter("studio.gateway.jobs_total",
		metric.WithDescription("Jobs executed by the gateway worker"))
	if err != nil {
		w.logger.Warn("failed to create job counter", zap.Error(err))
	}
}

// RunOnce claims every queued job, builds batches, and executes them.
// Returns the number of batches processed, counting batches whose jobs
// failed; those failures land in the result buffer, not in the error.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	jobs := w.queue.DrainAll()
	if len(jobs) == 0 {
		return 0, nil
	}

	batches := w.scheduler.BuildBatches(jobs)
	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			// Unprocessed jobs go back for the next run.
			w.requeueFrom(batches, batch)
			return 0, err
		}
		w.runBatch(ctx, batch)
		if w.batchCounter != nil {
			w.batchCounter.Add(ctx, 1)
		}
	}

	w.logger.Debug("run complete",
		zap.Int("jobs", len(jobs)),
		zap.Int("batches", len(batches)))
	return len(batches), nil
}

func (w *Worker) requeueFrom(batches []*Batch, first *Batch) {
	seen := false
	for _, b := range batches {
		if b == first {
			seen = true
		}
		if !seen {
			continue
		}
		for _, job := range b.Jobs {
			w.queue.Enqueue(job)
		}
	}
}

func (w *Worker) runBatch(ctx context.Context, batch *Batch) {
	if w.opts.Processor != nil {
		err := retryOperation(ctx, w.retry, func() error {
			return w.opts.Processor(ctx, batch)
		})
		for _, job := range batch.Jobs {
			res := &Result{
				JobID:      job.ID,
				ArtifactID: job.ArtifactID,
				BatchID:    batch.ID,
				Success:    err == nil,
			}
			if err != nil {
				res.Error = err.Error()
			}
			w.record(ctx, job, res)
		}
		return
	}

	for _, job := range batch.Jobs {
		w.record(ctx, job, w.runJob(ctx, batch, job))
	}
}

func (w *Worker) runJob(ctx context.Context, batch *Batch, job *Job) *Result {
	res := &Result{JobID: job.ID, ArtifactID: job.ArtifactID, BatchID: batch.ID}

	prompt, err := w.opts.Assembler.Assemble(job.SkillID, job.ProfileHash, job.Payload)
	if err != nil {
		res.Error = fmt.Sprintf("assemble prompt: %v", err)
		return res
	}

	var gen *compute.Generation
	err = retryOperation(ctx, w.retry, func() error {
		var callErr error
		gen, callErr = w.opts.Provider.Generate(ctx, prompt, map[string]any{
			"job_id":        job.ID,
			"project_id":    job.ProjectID,
			"provider_hint": job.ProviderHint,
		})
		return callErr
	})
	if err != nil {
		res.Error = err.Error()
		return res
	}

	res.Success = gen.Success
	res.Content = gen.Content
	if !gen.Success {
		res.Error = "provider reported failure"
	}
	return res
}

func (w *Worker) record(ctx context.Context, job *Job, res *Result) {
	w.mu.Lock()
	w.results = append(w.results, res)
	w.mu.Unlock()

	if w.jobCounter != nil {
		w.jobCounter.Add(ctx, 1)
	}
	if w.opts.ResultHandler != nil {
		w.opts.ResultHandler(res)
	}
	if w.opts.Hub != nil {
		eventType := "job.completed"
		if !res.Success {
			eventType = "job.failed"
		}
		ev := events.New(eventType, job.ProjectID)
		ev.ResourceID = job.ID
		ev.ResourceType = "job"
		ev.Changes = map[string]any{
			"batch_id": res.BatchID,
			"success":  res.Success,
		}
		if !res.Success {
			ev.Severity = events.SeverityWarning
		}
		w.opts.Hub.Emit(ev)
	}
}

// DrainResults returns the buffered results and clears the buffer. Each
// result is delivered to exactly one drain caller.
func (w *Worker) DrainResults() []*Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	results := w.results
	w.results = nil
	return results
}
