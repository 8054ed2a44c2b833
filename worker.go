package jobwire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultConcurrency     = 2
	DefaultLockDuration    = 120 * time.Second
	DefaultStalledInterval = 30 * time.Second
	DefaultMaxStalledCount = 1
	DefaultPollInterval    = time.Second
)

var ErrWorkerClosed = errors.New("jobwire: worker closed")

// Handler processes one job. The returned value is stored as the job's
// JSON return value; a non-nil error fails the attempt with err.Error() as
// the reason.
type Handler func(ctx context.Context, job *Job) (any, error)

type WorkerState int32

const (
	StateNew WorkerState = iota
	StateRunning
	StateShuttingDown
	StateTerminated
)

func (s WorkerState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Worker pulls jobs from one queue and runs them through a handler with
// bounded concurrency. Each fetched job is locked for lockDuration and the
// lock is renewed while the handler runs; jobs whose lock lapses are
// recovered by stall detection.
type Worker struct {
	queue           *Queue
	handler         Handler
	concurrency     int
	lockDuration    time.Duration
	lockRenewTime   time.Duration
	stalledInterval time.Duration
	maxStalledCount int
	pollInterval    time.Duration
	shutdownTimeout time.Duration
	log             *slog.Logger
	tracer          trace.Tracer
	metrics         workerMetrics

	// process-level shutdown
	installSignals bool
	exit           func(int)
	shuttingDown   atomic.Bool
	signalStop     func()

	queueOpts []Option
	onClose   []func() error

	mu         sync.Mutex
	state      WorkerState
	stopCh     chan struct{}
	wg         sync.WaitGroup
	jobCtx     context.Context
	cancelJobs context.CancelFunc
	// fetchCtx ends when Close begins; it only bounds waiting for jobs.
	fetchCtx    context.Context
	cancelFetch context.CancelFunc
	active     atomic.Int64
}

type WorkerOption func(*Worker)

// WithConcurrency sets how many jobs run at once. Values below 1 mean 1.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) { w.concurrency = n }
}

// WithLockDuration sets how long a fetched job stays locked before the
// queue considers it stalled.
func WithLockDuration(d time.Duration) WorkerOption {
	return func(w *Worker) { w.lockDuration = d }
}

// WithLockRenewTime sets how often running jobs renew their lock.
// Defaults to half the lock duration.
func WithLockRenewTime(d time.Duration) WorkerOption {
	return func(w *Worker) { w.lockRenewTime = d }
}

func WithStalledInterval(d time.Duration) WorkerOption {
	return func(w *Worker) { w.stalledInterval = d }
}

// WithMaxStalledCount sets how many times a job may stall before it is
// failed instead of retried.
func WithMaxStalledCount(n int) WorkerOption {
	return func(w *Worker) { w.maxStalledCount = n }
}

// WithPollInterval sets how long one fetch waits for a job, and how often
// delayed retries are promoted.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) { w.pollInterval = d }
}

// WithShutdownTimeout bounds how long a signal-triggered shutdown waits for
// running handlers. Defaults to the lock duration.
func WithShutdownTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) { w.shutdownTimeout = d }
}

func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) { w.log = l }
}

func WithTracerProvider(tp trace.TracerProvider) WorkerOption {
	return func(w *Worker) { w.tracer = newTracer(tp) }
}

func WithWorkerMeterProvider(mp metric.MeterProvider) WorkerOption {
	return func(w *Worker) { w.metrics = newWorkerMetrics(mp) }
}

// WithWorkerQueueOptions applies opts to the queue built by Bootstrap.
func WithWorkerQueueOptions(opts ...Option) WorkerOption {
	return func(w *Worker) { w.queueOpts = append(w.queueOpts, opts...) }
}

// WithExitFunc replaces os.Exit as the final step of a signal-triggered
// shutdown.
func WithExitFunc(exit func(int)) WorkerOption {
	return func(w *Worker) { w.exit = exit }
}

// WithoutSignalHandling keeps Bootstrap from installing SIGTERM/SIGINT
// handlers.
func WithoutSignalHandling() WorkerOption {
	return func(w *Worker) { w.installSignals = false }
}

// NewWorker binds handler to q. Call Start to begin processing.
func NewWorker(q *Queue, handler Handler, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:           q,
		handler:         handler,
		concurrency:     DefaultConcurrency,
		lockDuration:    DefaultLockDuration,
		stalledInterval: DefaultStalledInterval,
		maxStalledCount: DefaultMaxStalledCount,
		pollInterval:    DefaultPollInterval,
		installSignals:  true,
		exit:            os.Exit,
		stopCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}

	if w.concurrency < 1 {
		w.concurrency = 1
	}
	if w.lockDuration <= 0 {
		w.lockDuration = DefaultLockDuration
	}
	if w.lockRenewTime <= 0 || w.lockRenewTime >= w.lockDuration {
		w.lockRenewTime = w.lockDuration / 2
	}
	if w.stalledInterval <= 0 {
		w.stalledInterval = DefaultStalledInterval
	}
	if w.maxStalledCount < 0 {
		w.maxStalledCount = 0
	}
	if w.pollInterval <= 0 {
		w.pollInterval = DefaultPollInterval
	}
	if w.shutdownTimeout <= 0 {
		w.shutdownTimeout = w.lockDuration
	}
	if w.log == nil {
		w.log = slog.Default()
	}
	w.log = w.log.With(slog.String("queue", q.Name()))
	if w.tracer == nil {
		w.tracer = newTracer(nil)
	}
	if w.metrics.jobs == nil {
		w.metrics = newWorkerMetrics(nil)
	}
	return w
}

func (w *Worker) Queue() *Queue { return w.queue }

func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Active returns the number of handlers currently running.
func (w *Worker) Active() int { return int(w.active.Load()) }

// Start launches the fetch loops and the maintenance loop. It returns
// immediately. Handlers run with a context derived from ctx.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateNew {
		if w.state == StateRunning {
			return nil
		}
		return ErrWorkerClosed
	}
	w.state = StateRunning
	w.jobCtx, w.cancelJobs = context.WithCancel(ctx)
	w.fetchCtx, w.cancelFetch = context.WithCancel(w.jobCtx)

	w.log.Info("worker starting",
		slog.Int("concurrency", w.concurrency),
		slog.Duration("lock_duration", w.lockDuration),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.fetchLoop()
	}
	w.wg.Add(1)
	go w.maintenanceLoop()
	return nil
}

func (w *Worker) stopping() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return w.jobCtx.Err() != nil
	}
}

func (w *Worker) fetchLoop() {
	defer w.wg.Done()

	for !w.stopping() {
		job, err := w.queue.Fetch(w.fetchCtx, uuid.NewString(), w.lockDuration, w.pollInterval)
		if err != nil {
			if w.stopping() {
				return
			}
			w.log.Error("fetch job failed", slog.Any("error", err))
			select {
			case <-w.stopCh:
				return
			case <-time.After(w.pollInterval):
			}
			continue
		}
		if job == nil {
			continue
		}
		// A blocking fetch can outlive Close.
		if w.stopping() {
			w.requeue(job, "worker stopping")
			return
		}
		w.process(job)
	}
}

func (w *Worker) maintenanceLoop() {
	defer w.wg.Done()

	w.checkStalled()
	stalled := time.NewTicker(w.stalledInterval)
	defer stalled.Stop()
	promote := time.NewTicker(w.pollInterval)
	defer promote.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-w.jobCtx.Done():
			return
		case <-stalled.C:
			w.checkStalled()
		case <-promote.C:
			if _, err := w.queue.PromoteDelayedOnce(w.jobCtx, 500); err != nil && !w.stopping() {
				w.log.Warn("promote delayed jobs failed", slog.Any("error", err))
			}
		}
	}
}

func (w *Worker) checkStalled() {
	requeued, failed, err := w.queue.CheckStalledOnce(w.jobCtx, w.maxStalledCount)
	if err != nil {
		if !w.stopping() {
			w.log.Warn("stalled check failed", slog.Any("error", err))
		}
		return
	}
	if requeued > 0 || failed > 0 {
		w.log.Info("stalled jobs recovered", slog.Int("requeued", requeued), slog.Int("failed", failed))
	}
}

func (w *Worker) process(job *Job) {
	w.active.Add(1)
	defer w.active.Add(-1)

	ctx, span := w.tracer.Start(w.jobCtx, "jobwire.job.process",
		trace.WithAttributes(
			attribute.String("jobwire.queue", w.queue.Name()),
			attribute.String("jobwire.job.id", job.ID),
			attribute.String("jobwire.job.name", job.Name),
			attribute.Int("jobwire.job.attempts_made", job.AttemptsMade),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	renewCtx, stopRenew := context.WithCancel(ctx)
	renewDone := make(chan struct{})
	go w.renewLock(renewCtx, job, renewDone)

	start := time.Now()
	result, err := w.run(ctx, job)
	elapsed := time.Since(start).Seconds()
	stopRenew()
	<-renewDone

	finishCtx := context.WithoutCancel(ctx)
	status := "completed"
	switch {
	case err != nil && w.jobCtx.Err() != nil:
		// Cancelled by Close, not by the job itself.
		status = "abandoned"
		span.SetStatus(codes.Error, "worker stopped")
		w.requeue(job, "worker stopped")
	case err != nil:
		status = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		retrying, ferr := w.queue.Fail(finishCtx, job, err.Error())
		if ferr != nil {
			w.log.Error("record job failure failed",
				slog.String("job_id", job.ID),
				slog.String("reason", err.Error()),
				slog.Any("error", ferr),
			)
		} else {
			w.log.Error("job failed",
				slog.String("job_id", job.ID),
				slog.String("reason", err.Error()),
				slog.Int("attempts_made", job.AttemptsMade),
				slog.Bool("retrying", retrying),
			)
		}
	default:
		span.SetStatus(codes.Ok, "")
		if cerr := w.queue.Complete(finishCtx, job, result); cerr != nil {
			status = "lost"
			w.log.Error("record job completion failed",
				slog.String("job_id", job.ID),
				slog.Any("error", cerr),
			)
		} else {
			w.log.Info("job completed",
				slog.String("job_id", job.ID),
				slog.String("return_value", string(job.ReturnValue)),
			)
		}
	}

	attrs := metric.WithAttributes(
		attribute.String("queue", w.queue.Name()),
		attribute.String("job_name", job.Name),
		attribute.String("status", status),
	)
	w.metrics.jobs.Add(finishCtx, 1, attrs)
	w.metrics.duration.Record(finishCtx, elapsed, attrs)
}

// requeue puts a job this worker will not finish back on the wait list. If
// that fails the lock lapses and stall detection recovers the job.
func (w *Worker) requeue(job *Job, reason string) {
	ctx := context.WithoutCancel(w.jobCtx)
	if err := w.queue.Release(ctx, job); err != nil {
		w.log.Warn("requeue job failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	w.log.Info("job requeued", slog.String("job_id", job.ID), slog.String("reason", reason))
}

func (w *Worker) run(ctx context.Context, job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(ctx, job)
}

func (w *Worker) renewLock(ctx context.Context, job *Job, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(w.lockRenewTime)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := w.queue.ExtendLock(ctx, job, w.lockDuration); err != nil {
				if ctx.Err() != nil {
					return
				}
				w.log.Warn("extend job lock failed", slog.String("job_id", job.ID), slog.Any("error", err))
				if errors.Is(err, ErrLockLost) {
					return
				}
			}
		}
	}
}

// Close stops fetching and waits for running handlers. When ctx ends first,
// handler contexts are cancelled and their jobs go back to the wait list
// without using up an attempt. Closing twice returns ErrWorkerClosed.
func (w *Worker) Close(ctx context.Context) error {
	w.mu.Lock()
	switch w.state {
	case StateShuttingDown, StateTerminated:
		w.mu.Unlock()
		return ErrWorkerClosed
	case StateNew:
		w.state = StateTerminated
		w.mu.Unlock()
		return w.release()
	}
	// Fetch loops see stopCh closed as soon as the state says shutting down.
	w.state = StateShuttingDown
	close(w.stopCh)
	w.cancelFetch()
	w.mu.Unlock()

	w.log.Info("worker closing", slog.Int("active", w.Active()))

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		w.log.Warn("worker close timed out, cancelling running jobs", slog.Int("active", w.Active()))
		w.cancelJobs()
		<-done
	}
	w.cancelJobs()

	err := w.release()

	w.mu.Lock()
	w.state = StateTerminated
	w.mu.Unlock()
	w.log.Info("worker closed")
	return err
}

func (w *Worker) release() error {
	if w.signalStop != nil {
		w.signalStop()
	}
	var errs []error
	for _, fn := range w.onClose {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
