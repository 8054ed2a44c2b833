package jobwire

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// syncBuffer lets slog write from worker goroutines while the test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWorker_ProcessesJobs(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()

	var processed atomic.Int64
	startTestWorker(t, c, "jobs", func(context.Context, *Job) (any, error) {
		processed.Add(1)
		return nil, nil
	})

	q, err := NewQueue(c, "jobs")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := q.Add(ctx, "x", i, JobOptions{})
		require.NoError(t, err)
	}

	requireEventually(t, func() bool {
		counts, err := q.Counts(ctx)
		return err == nil && counts.Completed == 5
	}, 3*time.Second, "all jobs should complete")
	require.EqualValues(t, 5, processed.Load())
}

func TestWorker_ConcurrencyBound(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()

	release := make(chan struct{})
	var inflight, peak atomic.Int64
	w := startTestWorker(t, c, "bounded", func(ctx context.Context, _ *Job) (any, error) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	}, WithConcurrency(2))

	q, err := NewQueue(c, "bounded")
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		_, err := q.Add(ctx, "x", nil, JobOptions{})
		require.NoError(t, err)
	}

	requireEventually(t, func() bool { return w.Active() == 2 }, 2*time.Second, "two handlers should run")
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 2, peak.Load())

	close(release)
	requireEventually(t, func() bool {
		counts, err := q.Counts(ctx)
		return err == nil && counts.Completed == 6
	}, 3*time.Second, "all jobs should complete")
	require.EqualValues(t, 2, peak.Load())
}

func TestWorker_HandlerPanicFailsJob(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()

	startTestWorker(t, c, "panics", func(context.Context, *Job) (any, error) {
		panic("nil map")
	})

	q, err := NewQueue(c, "panics")
	require.NoError(t, err)
	added, err := q.Add(ctx, "x", nil, JobOptions{Attempts: 1})
	require.NoError(t, err)

	requireEventually(t, func() bool {
		job, err := q.GetJob(ctx, added.ID)
		return err == nil && job.State == JobFailed
	}, 2*time.Second, "panicking job should fail")

	job, err := q.GetJob(ctx, added.ID)
	require.NoError(t, err)
	require.Equal(t, "handler panic: nil map", job.FailedReason)
}

func TestWorker_StateTransitions(t *testing.T) {
	_, c := newTestRedis(t)
	q, err := NewQueue(c, "states")
	require.NoError(t, err)

	w := NewWorker(q, echo, WithPollInterval(20*time.Millisecond))
	require.Equal(t, StateNew, w.State())

	require.NoError(t, w.Start(context.Background()))
	require.Equal(t, StateRunning, w.State())
	require.NoError(t, w.Start(context.Background()), "start is idempotent while running")

	require.NoError(t, w.Close(context.Background()))
	require.Equal(t, StateTerminated, w.State())
	require.Equal(t, "terminated", w.State().String())

	require.ErrorIs(t, w.Close(context.Background()), ErrWorkerClosed)
	require.ErrorIs(t, w.Start(context.Background()), ErrWorkerClosed)
}

func TestWorker_CloseWaitsForRunningJob(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()

	q, err := NewQueue(c, "drain")
	require.NoError(t, err)
	started := make(chan struct{})
	w := NewWorker(q, func(context.Context, *Job) (any, error) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return "done", nil
	}, WithPollInterval(20*time.Millisecond))
	require.NoError(t, w.Start(ctx))

	added, err := q.Add(ctx, "x", nil, JobOptions{})
	require.NoError(t, err)
	<-started

	require.NoError(t, w.Close(ctx))
	job, err := q.GetJob(ctx, added.ID)
	require.NoError(t, err)
	require.Equal(t, JobCompleted, job.State)
}

func TestWorker_CloseTimeoutCancelsHandlers(t *testing.T) {
	s, c := newTestRedis(t)
	ctx := context.Background()

	q, err := NewQueue(c, "forced")
	require.NoError(t, err)
	started := make(chan struct{})
	w := NewWorker(q, func(ctx context.Context, _ *Job) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, WithPollInterval(20*time.Millisecond))
	require.NoError(t, w.Start(ctx))

	added, err := q.Add(ctx, "x", nil, JobOptions{})
	require.NoError(t, err)
	<-started

	closeCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Close(closeCtx))
	require.Zero(t, w.Active())

	// The handler never finished, so the job is waiting again with no
	// attempt spent.
	job, err := q.GetJob(ctx, added.ID)
	require.NoError(t, err)
	require.Equal(t, JobWaiting, job.State)
	require.Zero(t, job.AttemptsMade)
	require.Empty(t, job.FailedReason)
	require.False(t, s.Exists(q.lockKey(added.ID)))

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, counts.Waiting)
	require.Zero(t, counts.Active)
	require.Zero(t, counts.Failed)
}

func TestWorker_NoJobsTakenAfterCloseBegins(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()

	q, err := NewQueue(c, "closing")
	require.NoError(t, err)
	var handled atomic.Int64
	// A long poll keeps a blocking fetch open across Close.
	w := NewWorker(q, func(context.Context, *Job) (any, error) {
		handled.Add(1)
		return "late", nil
	}, WithPollInterval(2*time.Second), WithConcurrency(1))
	require.NoError(t, w.Start(ctx))
	time.Sleep(50 * time.Millisecond)

	closed := make(chan error, 1)
	go func() {
		closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		closed <- w.Close(closeCtx)
	}()
	requireEventually(t, func() bool { return w.State() == StateShuttingDown }, time.Second, "worker should be shutting down")

	added, err := q.Add(ctx, "x", nil, JobOptions{})
	require.NoError(t, err)

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("close did not return")
	}
	require.Zero(t, handled.Load())

	job, err := q.GetJob(ctx, added.ID)
	require.NoError(t, err)
	require.Equal(t, JobWaiting, job.State)
	require.Zero(t, job.AttemptsMade)
	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, counts.Waiting)
	require.Zero(t, counts.Active)
}

func TestWorker_RenewsLock(t *testing.T) {
	s, c := newTestRedis(t)
	ctx := context.Background()

	release := make(chan struct{})
	defer close(release)
	startTestWorker(t, c, "renew", func(context.Context, *Job) (any, error) {
		<-release
		return nil, nil
	}, WithLockDuration(400*time.Millisecond), WithLockRenewTime(20*time.Millisecond))

	q, err := NewQueue(c, "renew")
	require.NoError(t, err)
	added, err := q.Add(ctx, "x", nil, JobOptions{})
	require.NoError(t, err)

	requireEventually(t, func() bool { return s.Exists(q.lockKey(added.ID)) }, 2*time.Second, "job should be locked")
	s.FastForward(300 * time.Millisecond)
	requireEventually(t, func() bool {
		return s.TTL(q.lockKey(added.ID)) > 300*time.Millisecond
	}, time.Second, "lock should be extended")
}

func TestWorker_RecoversStalledJobs(t *testing.T) {
	s, c := newTestRedis(t)
	ctx := context.Background()

	q, err := NewQueue(c, "stalls")
	require.NoError(t, err)
	added, err := q.Add(ctx, "x", nil, JobOptions{})
	require.NoError(t, err)

	// A crashed worker: fetched, never finished, lock about to lapse.
	_, err = q.Fetch(ctx, "dead-worker", 100*time.Millisecond, 0)
	require.NoError(t, err)
	_, _, err = q.CheckStalledOnce(ctx, 1)
	require.NoError(t, err)
	s.FastForward(time.Second)

	startTestWorker(t, c, "stalls", echo)
	requireEventually(t, func() bool {
		job, err := q.GetJob(ctx, added.ID)
		return err == nil && job.State == JobCompleted
	}, 3*time.Second, "stalled job should be picked up again")

	job, err := q.GetJob(ctx, added.ID)
	require.NoError(t, err)
	require.Equal(t, 1, job.StalledCount)
}

func TestWorker_TracesAndLogs(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	startTestWorker(t, c, "traced", func(_ context.Context, job *Job) (any, error) {
		if job.Name == "bad" {
			return nil, errors.New("bad input")
		}
		return 42, nil
	}, WithTracerProvider(tp), WithWorkerLogger(logger))

	q, err := NewQueue(c, "traced")
	require.NoError(t, err)
	_, err = q.Add(ctx, "good", nil, JobOptions{})
	require.NoError(t, err)
	_, err = q.Add(ctx, "bad", nil, JobOptions{Attempts: 1})
	require.NoError(t, err)

	requireEventually(t, func() bool { return len(sr.Ended()) == 2 }, 3*time.Second, "two spans should end")

	statuses := map[codes.Code]int{}
	for _, span := range sr.Ended() {
		require.Equal(t, "jobwire.job.process", span.Name())
		statuses[span.Status().Code]++
	}
	require.Equal(t, map[codes.Code]int{codes.Ok: 1, codes.Error: 1}, statuses)

	requireEventually(t, func() bool {
		out := logs.String()
		return strings.Contains(out, `msg="job completed"`) && strings.Contains(out, `msg="job failed"`)
	}, time.Second, "outcomes should be logged")
	out := logs.String()
	require.Contains(t, out, "return_value=42")
	require.Contains(t, out, `reason="bad input"`)
	require.Contains(t, out, "queue=traced")
}
