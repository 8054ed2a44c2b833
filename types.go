package jobwire

import (
	"encoding/json"
	"time"
)

// Job is a unit of work stored in a queue.
// Data and ReturnValue are raw JSON.
type Job struct {
	ID           string
	Name         string
	Queue        string
	Data         json.RawMessage
	Opts         JobOptions
	State        JobState
	AttemptsMade int
	StalledCount int
	ReturnValue  json.RawMessage
	FailedReason string
	CreatedAt    time.Time
	ProcessedOn  time.Time
	FinishedOn   time.Time

	// lockToken is set on jobs returned by Fetch.
	lockToken string
}

// LockToken returns the token guarding a fetched job.
func (j *Job) LockToken() string { return j.lockToken }

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Data, v)
}

type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobDelayed   JobState = "delayed"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// JobOptions controls retries and retention of a job. Zero fields mean
// "inherit" when merged over defaults.
type JobOptions struct {
	// JobID overrides the generated job id.
	JobID    string  `json:"-"`
	Attempts int     `json:"attempts"`
	Backoff  Backoff `json:"backoff"`
	// RemoveOnComplete keeps at most this many completed records. Negative keeps all.
	RemoveOnComplete int `json:"removeOnComplete"`
	// RemoveOnFail keeps at most this many failed records. Negative keeps all.
	RemoveOnFail int `json:"removeOnFail"`
}

// DefaultJobOptions returns the options applied to every job unless
// overridden: 2 attempts, exponential backoff from 3s, keep the last 500
// completed and 2000 failed records.
func DefaultJobOptions() JobOptions {
	return JobOptions{
		Attempts:         2,
		Backoff:          Backoff{Type: BackoffExponential, Delay: 3 * time.Second},
		RemoveOnComplete: 500,
		RemoveOnFail:     2000,
	}
}

// Merge returns o with every zero field replaced by the one from base.
func (o JobOptions) Merge(base JobOptions) JobOptions {
	out := base
	if o.JobID != "" {
		out.JobID = o.JobID
	}
	if o.Attempts != 0 {
		out.Attempts = o.Attempts
	}
	if o.Backoff.Type != "" {
		out.Backoff.Type = o.Backoff.Type
	}
	if o.Backoff.Delay != 0 {
		out.Backoff.Delay = o.Backoff.Delay
	}
	if o.RemoveOnComplete != 0 {
		out.RemoveOnComplete = o.RemoveOnComplete
	}
	if o.RemoveOnFail != 0 {
		out.RemoveOnFail = o.RemoveOnFail
	}
	return out
}

type EventType string

const (
	EventAdded     EventType = "added"
	EventActive    EventType = "active"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventRetrying  EventType = "retrying"
	EventStalled   EventType = "stalled"
	EventWaiting   EventType = "waiting"
)

type Event struct {
	Type         EventType       `json:"type"`
	Queue        string          `json:"queue"`
	JobID        string          `json:"job_id"`
	ReturnValue  json.RawMessage `json:"return_value,omitempty"`
	FailedReason string          `json:"failed_reason,omitempty"`
	AttemptsMade int             `json:"attempts_made,omitempty"`
	AtUnixMs     int64           `json:"at_unix_ms"`
}

// Counts is a snapshot of list sizes for one queue.
type Counts struct {
	Waiting   int64
	Active    int64
	Delayed   int64
	Completed int64
	Failed    int64
}
