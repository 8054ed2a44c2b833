package jobwire

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// instrumentationName is the scope name for jobwire metrics and traces.
const instrumentationName = "github.com/aura-studio/jobwire"

// Dispatch outcomes recorded on jobwire.dispatch.calls.
const (
	outcomeCompleted    = "completed"
	outcomeFailed       = "failed"
	outcomeTimeout      = "timeout"
	outcomeEnqueueError = "enqueue_error"
	outcomeCanceled     = "canceled"
	outcomeClosed       = "closed"
)

type dispatchMetrics struct {
	calls    metric.Int64Counter
	duration metric.Float64Histogram
}

// newDispatchMetrics creates instruments once per dispatcher. On error the
// OTel API hands back noop instruments, so errors are ignored.
func newDispatchMetrics(mp metric.MeterProvider) dispatchMetrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	calls, _ := meter.Int64Counter(
		"jobwire.dispatch.calls",
		metric.WithDescription("Dispatcher calls by outcome"),
		metric.WithUnit("{call}"),
	)
	duration, _ := meter.Float64Histogram(
		"jobwire.dispatch.duration",
		metric.WithDescription("Time from enqueue to settlement in seconds"),
		metric.WithUnit("s"),
	)
	return dispatchMetrics{calls: calls, duration: duration}
}

type workerMetrics struct {
	jobs     metric.Int64Counter
	duration metric.Float64Histogram
}

func newWorkerMetrics(mp metric.MeterProvider) workerMetrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	jobs, _ := meter.Int64Counter(
		"jobwire.worker.jobs",
		metric.WithDescription("Jobs processed by status"),
		metric.WithUnit("{job}"),
	)
	duration, _ := meter.Float64Histogram(
		"jobwire.worker.duration",
		metric.WithDescription("Handler execution time in seconds"),
		metric.WithUnit("s"),
	)
	return workerMetrics{jobs: jobs, duration: duration}
}

func newTracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(instrumentationName)
}
