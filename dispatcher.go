package jobwire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DefaultDispatchTimeout bounds how long Add waits for a job outcome.
const DefaultDispatchTimeout = 300 * time.Second

// Dispatcher turns a queue into a request/response call. It holds one event
// subscription for its queue and routes completion and failure events to
// the waiting caller by job id.
type Dispatcher struct {
	queue   *Queue
	sub     *Subscription
	timeout time.Duration
	log     *slog.Logger
	metrics dispatchMetrics

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool
}

// pendingCall is removed from the pending map exactly once; whoever removes
// it delivers the result.
type pendingCall struct {
	result chan callResult
	timer  *time.Timer
}

type callResult struct {
	value   json.RawMessage
	err     error
	outcome string
}

type dispatcherConfig struct {
	timeout       time.Duration
	logger        *slog.Logger
	meterProvider metric.MeterProvider
}

type DispatcherOption func(*dispatcherConfig)

// WithTimeout sets how long Add waits for a job outcome. Non-positive
// values keep the default.
func WithTimeout(d time.Duration) DispatcherOption {
	return func(c *dispatcherConfig) { c.timeout = d }
}

func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(c *dispatcherConfig) { c.logger = l }
}

func WithDispatcherMeterProvider(mp metric.MeterProvider) DispatcherOption {
	return func(c *dispatcherConfig) { c.meterProvider = mp }
}

// NewDispatcher subscribes to q's events and returns a dispatcher bound to q.
func NewDispatcher(ctx context.Context, q *Queue, opts ...DispatcherOption) (*Dispatcher, error) {
	cfg := dispatcherConfig{timeout: DefaultDispatchTimeout}
	for _, fn := range opts {
		if fn != nil {
			fn(&cfg)
		}
	}
	if cfg.timeout <= 0 {
		cfg.timeout = DefaultDispatchTimeout
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	d := &Dispatcher{
		queue:   q,
		timeout: cfg.timeout,
		log:     cfg.logger.With(slog.String("queue", q.Name())),
		metrics: newDispatchMetrics(cfg.meterProvider),
		pending: make(map[string]*pendingCall),
	}
	sub, err := q.Subscribe(ctx, d.handleEvent)
	if err != nil {
		return nil, fmt.Errorf("jobwire: subscribe to queue %s events: %w", q.Name(), err)
	}
	d.sub = sub
	return d, nil
}

func (d *Dispatcher) Name() string { return d.queue.Name() }

func (d *Dispatcher) Queue() *Queue { return d.queue }

// Pending returns the number of calls waiting for an outcome.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Add enqueues a job with the queue's default options and blocks until the
// job completes, fails, the dispatcher timeout elapses or ctx is done.
//
// Errors: a wrapped ErrEnqueue when the job could not be stored, a
// *JobFailedError when the worker gave up on it, a *TimeoutError when no
// outcome arrived in time, ErrDispatcherClosed after Close.
func (d *Dispatcher) Add(ctx context.Context, jobName string, payload any) (json.RawMessage, error) {
	return d.AddWithOptions(ctx, jobName, payload, JobOptions{})
}

// AddWithOptions is Add with per-job overrides merged over the defaults.
func (d *Dispatcher) AddWithOptions(ctx context.Context, jobName string, payload any, opts JobOptions) (json.RawMessage, error) {
	start := time.Now()
	if opts.JobID == "" {
		opts.JobID = uuid.NewString()
	}
	id := opts.JobID

	// The entry is reserved before enqueueing so an outcome published right
	// after the write still finds its caller. The timer starts only once the
	// job is stored.
	call := &pendingCall{result: make(chan callResult, 1)}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDispatcherClosed
	}
	if _, dup := d.pending[id]; dup {
		d.mu.Unlock()
		return nil, fmt.Errorf("jobwire: job %s is already awaited on queue %s", id, d.Name())
	}
	d.pending[id] = call
	d.mu.Unlock()

	job, err := d.queue.Add(ctx, jobName, payload, opts)
	if err != nil {
		d.withdraw(id, call)
		d.record(ctx, jobName, outcomeEnqueueError, start)
		return nil, fmt.Errorf("%w: queue %s: %w", ErrEnqueue, d.Name(), err)
	}

	// A caller-chosen id may name a job that already finished. Its event is
	// long gone, so the stored outcome settles the call.
	switch job.State {
	case JobCompleted:
		d.handleEvent(Event{Type: EventCompleted, JobID: id, ReturnValue: job.ReturnValue})
	case JobFailed:
		d.handleEvent(Event{Type: EventFailed, JobID: id, FailedReason: job.FailedReason, AttemptsMade: job.AttemptsMade})
	default:
		d.mu.Lock()
		if d.pending[id] == call {
			call.timer = time.AfterFunc(d.timeout, func() {
				d.settle(id, call, callResult{
					err:     &TimeoutError{Queue: d.Name(), JobID: id, After: d.timeout},
					outcome: outcomeTimeout,
				})
			})
		}
		d.mu.Unlock()
	}

	var r callResult
	select {
	case r = <-call.result:
	case <-ctx.Done():
		d.settle(id, call, callResult{err: ctx.Err(), outcome: outcomeCanceled})
		// Either our cancellation or a racing outcome is in the channel.
		r = <-call.result
	}
	d.record(ctx, jobName, r.outcome, start)
	return r.value, r.err
}

// withdraw drops a reserved entry whose job was never stored.
func (d *Dispatcher) withdraw(id string, call *pendingCall) {
	d.mu.Lock()
	if d.pending[id] == call {
		delete(d.pending, id)
	}
	d.mu.Unlock()
}

// settle completes call if it is still pending. Only the first settlement
// of a call has any effect.
func (d *Dispatcher) settle(id string, call *pendingCall, r callResult) bool {
	d.mu.Lock()
	cur, ok := d.pending[id]
	if !ok || (call != nil && cur != call) {
		d.mu.Unlock()
		return false
	}
	delete(d.pending, id)
	if cur.timer != nil {
		cur.timer.Stop()
	}
	d.mu.Unlock()

	cur.result <- r
	return true
}

// handleEvent runs on the subscription goroutine. Events for ids nobody is
// waiting on, including outcomes that arrive after a timeout, are dropped.
func (d *Dispatcher) handleEvent(ev Event) {
	switch ev.Type {
	case EventCompleted:
		d.settle(ev.JobID, nil, callResult{value: ev.ReturnValue, outcome: outcomeCompleted})
	case EventFailed:
		err := &JobFailedError{Queue: d.Name(), JobID: ev.JobID, Reason: ev.FailedReason}
		if d.settle(ev.JobID, nil, callResult{err: err, outcome: outcomeFailed}) {
			d.log.Error("job failed",
				slog.String("job_id", ev.JobID),
				slog.String("reason", ev.FailedReason),
				slog.Int("attempts_made", ev.AttemptsMade),
			)
		}
	}
}

func (d *Dispatcher) record(ctx context.Context, jobName, outcome string, start time.Time) {
	attrs := metric.WithAttributes(
		attribute.String("queue", d.Name()),
		attribute.String("job_name", jobName),
		attribute.String("outcome", outcome),
	)
	d.metrics.calls.Add(context.WithoutCancel(ctx), 1, attrs)
	d.metrics.duration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds(), attrs)
}

// Close unsubscribes from queue events, closes the queue handle and rejects
// every outstanding call with ErrDispatcherClosed. Closing twice returns
// ErrDispatcherClosed.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.closed = true
	d.mu.Unlock()

	err := errors.Join(d.sub.Close(), d.queue.Close())

	d.mu.Lock()
	outstanding := make(map[string]*pendingCall, len(d.pending))
	for id, call := range d.pending {
		outstanding[id] = call
	}
	d.mu.Unlock()
	for id, call := range outstanding {
		d.settle(id, call, callResult{err: ErrDispatcherClosed, outcome: outcomeClosed})
	}
	if len(outstanding) > 0 {
		d.log.Warn("dispatcher closed with outstanding calls", slog.Int("pending", len(outstanding)))
	}
	return err
}

// Call adds a job on d and decodes its return value into T.
func Call[T any](ctx context.Context, d *Dispatcher, jobName string, payload any) (T, error) {
	var out T
	raw, err := d.Add(ctx, jobName, payload)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("jobwire: decode result of %s: %w", jobName, err)
	}
	return out, nil
}
