package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nine-one-six-systems/prospector/internal/intel"
	"github.com/nine-one-six-systems/prospector/internal/telemetry"
)

const (
	// softTaskLimit bounds how long a handler's context stays live.
	softTaskLimit = time.Hour
	// hardTaskLimit is the watchdog deadline for handlers that ignore
	// their context. A task past this limit is failed permanently.
	hardTaskLimit = time.Hour + 5*time.Minute
)

// PhaseHandler executes one phase of work for a single company.
type PhaseHandler func(ctx context.Context, task intel.Task) error

// Failer marks a company as permanently failed.
type Failer interface {
	Fail(ctx context.Context, companyID, reason string) error
}

// WorkerConfig controls the worker pool.
type WorkerConfig struct {
	// WorkersPerQueue is the number of concurrent consumers per queue.
	WorkersPerQueue int
	// SoftLimit and HardLimit override the default task time limits.
	SoftLimit time.Duration
	HardLimit time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.WorkersPerQueue <= 0 {
		c.WorkersPerQueue = 2
	}
	if c.SoftLimit <= 0 {
		c.SoftLimit = softTaskLimit
	}
	if c.HardLimit <= c.SoftLimit {
		c.HardLimit = c.SoftLimit + 5*time.Minute
	}
	return c
}

// Worker consumes phase tasks from every queue and runs the registered
// handler for each task's phase. Retryable failures are re-enqueued with
// backoff; permanent or exhausted failures mark the company failed.
type Worker struct {
	queue  intel.TaskQueue
	failer Failer
	retry  *RetryPolicy
	cfg    WorkerConfig
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[intel.Phase]PhaseHandler

	wg sync.WaitGroup
}

// NewWorker constructs a Worker. Handlers are registered before Run.
func NewWorker(queue intel.TaskQueue, failer Failer, cfg WorkerConfig, logger *zap.Logger) *Worker {
	return &Worker{
		queue:    queue,
		failer:   failer,
		retry:    NewRetryPolicy(),
		cfg:      cfg.withDefaults(),
		logger:   logger,
		handlers: make(map[intel.Phase]PhaseHandler),
	}
}

// Register installs the handler for a phase, replacing any previous one.
func (w *Worker) Register(phase intel.Phase, handler PhaseHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[phase] = handler
}

// Run starts the consumer goroutines and blocks until ctx is canceled and
// all in-flight tasks have drained.
func (w *Worker) Run(ctx context.Context) {
	for _, queue := range QueueNames {
		for i := 0; i < w.cfg.WorkersPerQueue; i++ {
			w.wg.Add(1)
			go w.consume(ctx, queue)
		}
	}
	w.wg.Wait()
}

func (w *Worker) consume(ctx context.Context, queue string) {
	defer w.wg.Done()
	for {
		task, err := w.queue.Dequeue(ctx, queue)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("Failed to dequeue task",
				zap.String("queue", queue),
				zap.Error(err))
			continue
		}
		w.process(ctx, queue, task)
	}
}

func (w *Worker) process(ctx context.Context, queue string, task intel.Task) {
	w.mu.RLock()
	handler, ok := w.handlers[task.Phase]
	w.mu.RUnlock()
	if !ok {
		w.logger.Error("No handler registered for phase",
			zap.String("company_id", task.CompanyID),
			zap.String("phase", string(task.Phase)))
		w.fail(ctx, task, fmt.Sprintf("no handler for phase %s", task.Phase))
		return
	}

	start := time.Now()
	err := w.runWithLimits(ctx, handler, task)
	elapsed := time.Since(start)

	if err == nil {
		w.logger.Debug("Task completed",
			zap.String("company_id", task.CompanyID),
			zap.String("phase", string(task.Phase)),
			zap.Duration("elapsed", elapsed))
		return
	}

	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		// Shutdown, not failure. The company stays in_progress and startup
		// recovery re-dispatches its current phase from the last checkpoint.
		w.logger.Info("Task interrupted by shutdown, leaving for recovery",
			zap.String("company_id", task.CompanyID),
			zap.String("phase", string(task.Phase)))
		return
	}

	if w.retry.ShouldRetry(err, task.Attempt) {
		delay := w.retry.Backoff(task.Attempt)
		w.logger.Warn("Task failed, scheduling retry",
			zap.String("company_id", task.CompanyID),
			zap.String("phase", string(task.Phase)),
			zap.Int("attempt", task.Attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		telemetry.ObserveTaskRetry(queue)
		w.requeue(ctx, queue, task, delay)
		return
	}

	w.logger.Error("Task failed permanently",
		zap.String("company_id", task.CompanyID),
		zap.String("phase", string(task.Phase)),
		zap.Int("attempt", task.Attempt),
		zap.Error(err))
	w.fail(ctx, task, err.Error())
}

// runWithLimits runs the handler under the soft limit and abandons it at the
// hard limit even if it is not honoring cancellation.
func (w *Worker) runWithLimits(ctx context.Context, handler PhaseHandler, task intel.Task) error {
	taskCtx, cancel := context.WithTimeout(ctx, w.cfg.SoftLimit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- handler(taskCtx, task)
	}()

	watchdog := time.NewTimer(w.cfg.HardLimit)
	defer watchdog.Stop()

	select {
	case err := <-done:
		return err
	case <-watchdog.C:
		cancel()
		return intel.Permanent(fmt.Errorf("task exceeded hard time limit of %s", w.cfg.HardLimit))
	}
}

// requeue re-enqueues the task after the backoff delay without blocking the
// consumer loop.
func (w *Worker) requeue(ctx context.Context, queue string, task intel.Task, delay time.Duration) {
	next := task
	next.Attempt++

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := w.queue.Enqueue(ctx, queue, next); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("Failed to re-enqueue task, failing company",
				zap.String("company_id", next.CompanyID),
				zap.String("phase", string(next.Phase)),
				zap.Error(err))
			w.fail(ctx, next, fmt.Sprintf("could not re-enqueue after retryable failure: %v", err))
		}
	}()
}

func (w *Worker) fail(ctx context.Context, task intel.Task, reason string) {
	// Use a detached context so shutdown does not lose the failure record.
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := w.failer.Fail(failCtx, task.CompanyID, reason); err != nil &&
		!errors.Is(err, intel.ErrConflict) && !errors.Is(err, intel.ErrNotFound) {
		w.logger.Error("Failed to record company failure",
			zap.String("company_id", task.CompanyID),
			zap.Error(err))
	}
}
