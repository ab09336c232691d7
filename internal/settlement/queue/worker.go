package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Aidin1998/mmbot/pkg/metrics"
)

var tracer = otel.Tracer("mmbot/queue")

// Handler processes one job. A nil error completes the job; any other error
// is retried per the job's backoff unless marked Permanent.
type Handler func(ctx context.Context, job Job) error

// ExhaustedHook runs once a job is dead-lettered
type ExhaustedHook func(ctx context.Context, job Job, err error)

// WorkerOption configures a Worker
type WorkerOption func(*Worker)

// WithConcurrency sets the number of processing goroutines
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithPollInterval sets how long an idle goroutine sleeps
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithClock replaces time.Now for scheduling decisions
func WithClock(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.now = now }
}

// Worker reserves jobs from a Queue and dispatches them by name
type Worker struct {
	queue        Queue
	logger       *zap.Logger
	concurrency  int
	pollInterval time.Duration
	now          func() time.Time

	mu        sync.RWMutex
	handlers  map[string]Handler
	exhausted map[string]ExhaustedHook

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates a worker over q
func NewWorker(q Queue, logger *zap.Logger, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:        q,
		logger:       logger.Named("queue-worker"),
		concurrency:  4,
		pollInterval: 250 * time.Millisecond,
		now:          time.Now,
		handlers:     make(map[string]Handler),
		exhausted:    make(map[string]ExhaustedHook),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Name returns the worker name
func (w *Worker) Name() string {
	return "queue-worker"
}

// Register binds a handler to a job name
func (w *Worker) Register(name string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = h
}

// OnExhausted binds a hook run after a job of that name is dead-lettered
func (w *Worker) OnExhausted(name string, hook ExhaustedHook) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.exhausted[name] = hook
}

// Start launches the processing goroutines
func (w *Worker) Start(ctx context.Context) error {
	if n, err := w.queue.Recover(ctx); err != nil {
		return fmt.Errorf("recover leased jobs: %w", err)
	} else if n > 0 {
		w.logger.Info("Recovered leased jobs", zap.Int("count", n))
	}

	ctx, w.cancel = context.WithCancel(ctx)
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.run(ctx, i)
	}
	w.logger.Info("Queue worker started", zap.Int("concurrency", w.concurrency))
	return nil
}

// Stop cancels the goroutines and waits for in-flight jobs
func (w *Worker) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("Queue worker stopped")
	return nil
}

func (w *Worker) run(ctx context.Context, idx int) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		processed, err := w.ProcessNext(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("Queue processing error", zap.Int("worker", idx), zap.Error(err))
		}
		if processed {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Drain processes due jobs until none is ready or max jobs ran. It returns
// the number processed.
func (w *Worker) Drain(ctx context.Context, max int) (int, error) {
	n := 0
	for n < max {
		processed, err := w.ProcessNext(ctx)
		if err != nil {
			return n, err
		}
		if !processed {
			return n, nil
		}
		n++
	}
	return n, nil
}

// ProcessNext reserves and handles a single due job. It reports false when
// nothing was due.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := w.now()
	job, err := w.queue.Reserve(ctx, now)
	if errors.Is(err, ErrNoJob) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reserve job: %w", err)
	}

	w.mu.RLock()
	handler, ok := w.handlers[job.Name]
	hook := w.exhausted[job.Name]
	w.mu.RUnlock()

	if !ok {
		job.LastError = "no handler registered"
		metrics.JobsProcessed.WithLabelValues(job.Name, "failed").Inc()
		w.logger.Error("No handler for job", zap.String("job", job.Name), zap.String("job_id", job.ID))
		return true, w.queue.Fail(ctx, job)
	}

	spanCtx, span := tracer.Start(ctx, "job "+job.Name, trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.Int("job.attempt", job.Attempts+1),
	))
	start := time.Now()
	herr := w.invoke(spanCtx, handler, job)
	metrics.JobDuration.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())
	if herr != nil {
		span.RecordError(herr)
		span.SetStatus(codes.Error, herr.Error())
	}
	span.End()

	if herr == nil {
		metrics.JobsProcessed.WithLabelValues(job.Name, "completed").Inc()
		return true, w.queue.Complete(ctx, job)
	}

	job.Attempts++
	job.LastError = herr.Error()
	if IsPermanent(herr) || job.Attempts >= job.MaxAttempts {
		metrics.JobsProcessed.WithLabelValues(job.Name, "failed").Inc()
		w.logger.Error("Job exhausted",
			zap.String("job", job.Name),
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempts),
			zap.Error(herr))
		if err := w.queue.Fail(ctx, job); err != nil {
			return true, fmt.Errorf("dead-letter job %s: %w", job.ID, err)
		}
		if hook != nil {
			hook(ctx, job, herr)
		}
		return true, nil
	}

	delay := job.NextDelay()
	metrics.JobsProcessed.WithLabelValues(job.Name, "retried").Inc()
	w.logger.Warn("Job failed, retrying",
		zap.String("job", job.Name),
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.Attempts),
		zap.Duration("delay", delay),
		zap.Error(herr))
	return true, w.queue.Retry(ctx, job, now.Add(delay))
}

func (w *Worker) invoke(ctx context.Context, h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}
