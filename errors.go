package jobwire

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidQueueName   = errors.New("jobwire: invalid queue name")
	ErrQueueClosed        = errors.New("jobwire: queue closed")
	ErrSubscriptionClosed = errors.New("jobwire: subscription closed")
	ErrLockLost           = errors.New("jobwire: job lock lost")
	ErrJobNotFound        = errors.New("jobwire: job not found")

	// ErrConfiguration is matched by every *ConfigurationError.
	ErrConfiguration = errors.New("jobwire: configuration error")

	ErrEnqueue          = errors.New("jobwire: enqueue failed")
	ErrDispatchTimeout  = errors.New("jobwire: dispatch timed out")
	ErrJobFailed        = errors.New("jobwire: job failed")
	ErrDispatcherClosed = errors.New("jobwire: dispatcher closed")
)

// ConfigurationError reports an invalid Redis configuration. It is raised
// before any connection attempt and is never retried.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return e.Msg }

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// TimeoutError is returned by Dispatcher.Add when neither a completion nor a
// failure event arrived for the job within the dispatcher timeout. The job
// itself may still be running.
type TimeoutError struct {
	Queue string
	JobID string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("jobwire: job %s on queue %s timed out after %s", e.JobID, e.Queue, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrDispatchTimeout }

// JobFailedError carries the failure reason reported by the worker once the
// job ran out of attempts.
type JobFailedError struct {
	Queue  string
	JobID  string
	Reason string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("jobwire: job %s on queue %s failed: %s", e.JobID, e.Queue, e.Reason)
}

func (e *JobFailedError) Is(target error) bool { return target == ErrJobFailed }
