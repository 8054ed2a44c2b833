package jobwire

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// StalledReason is the failure reason of a job that exceeded the stall limit.
const StalledReason = "job stalled more than allowable limit"

type Queue struct {
	client redis.UniversalClient
	opt    Options
	name   string
	log    *slog.Logger

	closed atomic.Bool
}

func NewQueue(client redis.UniversalClient, name string, opts ...Option) (*Queue, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidQueueName
	}

	opt := Options{
		Prefix:            "jobwire",
		DefaultJobOptions: DefaultJobOptions(),
	}
	for _, fn := range opts {
		if fn != nil {
			fn(&opt)
		}
	}
	if opt.EventClient == nil {
		opt.EventClient = client
	}
	if opt.Prefix == "" {
		opt.Prefix = "jobwire"
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}

	return &Queue{
		client: client,
		opt:    opt,
		name:   name,
		log:    opt.Logger.With(slog.String("queue", name)),
	}, nil
}

func (q *Queue) Name() string { return q.name }

// DefaultJobOptions returns the options merged into every added job.
func (q *Queue) DefaultJobOptions() JobOptions { return q.opt.DefaultJobOptions }

// All keys of a queue share the {name} hash tag so multi-key transactions
// stay on one cluster slot.
func (q *Queue) key(suffix string) string {
	return q.opt.Prefix + ":{" + q.name + "}:" + suffix
}

func (q *Queue) waitKey() string          { return q.key("wait") }
func (q *Queue) activeKey() string        { return q.key("active") }
func (q *Queue) delayedKey() string       { return q.key("delayed") } // zset: id -> due unix ms
func (q *Queue) completedKey() string     { return q.key("completed") }
func (q *Queue) failedKey() string        { return q.key("failed") }
func (q *Queue) stalledKey() string       { return q.key("stalled-check") }
func (q *Queue) jobKey(id string) string  { return q.key("job:" + id) }
func (q *Queue) lockKey(id string) string { return q.key("lock:" + id) }
func (q *Queue) eventChannel() string     { return q.key("events") }

func (q *Queue) publish(ctx context.Context, ev Event) {
	ev.Queue = q.name
	ev.AtUnixMs = time.Now().UnixMilli()
	b, _ := json.Marshal(ev)
	if err := q.opt.EventClient.Publish(ctx, q.eventChannel(), b).Err(); err != nil {
		q.log.Debug("publish event failed",
			slog.String("event", string(ev.Type)),
			slog.String("job_id", ev.JobID),
			slog.Any("error", err),
		)
	}
}

func encodeData(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return []byte("null"), nil
	case json.RawMessage:
		if len(t) == 0 {
			return []byte("null"), nil
		}
		return t, nil
	default:
		return json.Marshal(v)
	}
}

// Add stores a job and appends it to the wait list. opts is merged over the
// queue defaults. Adding with an existing JobID returns the stored job.
func (q *Queue) Add(ctx context.Context, name string, data any, opts JobOptions) (*Job, error) {
	if q.closed.Load() {
		return nil, ErrQueueClosed
	}
	opts = opts.Merge(q.opt.DefaultJobOptions)
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	} else {
		existing, err := q.GetJob(ctx, id)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrJobNotFound) {
			return nil, err
		}
	}
	opts.JobID = ""

	body, err := encodeData(data)
	if err != nil {
		return nil, err
	}
	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return nil, err
	}

	createdAt := time.Now()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id),
		"name", name,
		"data", string(body),
		"opts", string(optsJSON),
		"state", string(JobWaiting),
		"attempts_made", 0,
		"stalled_count", 0,
		"created_at_ms", createdAt.UnixMilli(),
	)
	pipe.RPush(ctx, q.waitKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	q.publish(ctx, Event{Type: EventAdded, JobID: id})
	return &Job{
		ID:        id,
		Name:      name,
		Queue:     q.name,
		Data:      body,
		Opts:      opts,
		State:     JobWaiting,
		CreatedAt: createdAt,
	}, nil
}

// GetJob loads a job record.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	vals, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, ErrJobNotFound
	}
	return q.parseJob(id, vals), nil
}

func (q *Queue) parseJob(id string, vals map[string]string) *Job {
	j := &Job{
		ID:           id,
		Name:         vals["name"],
		Queue:        q.name,
		Data:         json.RawMessage(vals["data"]),
		State:        JobState(vals["state"]),
		FailedReason: vals["failed_reason"],
		AttemptsMade: int(parseInt64(vals["attempts_made"])),
		StalledCount: int(parseInt64(vals["stalled_count"])),
		CreatedAt:    parseUnixMs(vals["created_at_ms"]),
		ProcessedOn:  parseUnixMs(vals["processed_on_ms"]),
		FinishedOn:   parseUnixMs(vals["finished_on_ms"]),
	}
	if rv, ok := vals["return_value"]; ok {
		j.ReturnValue = json.RawMessage(rv)
	}
	if s := vals["opts"]; s != "" {
		_ = json.Unmarshal([]byte(s), &j.Opts)
	}
	if j.Opts.Attempts < 1 {
		j.Opts.Attempts = 1
	}
	return j
}

// Fetch moves the next waiting job to the active list and locks it with
// token for lockDuration. It returns (nil, nil) when no job is available.
//
// wait >= 1s blocks with BLMOVE (seconds resolution); shorter waits poll.
func (q *Queue) Fetch(ctx context.Context, token string, lockDuration, wait time.Duration) (*Job, error) {
	if q.closed.Load() {
		return nil, ErrQueueClosed
	}

	// Skip orphaned ids (job hash removed while the id was still waiting).
	const maxSkips = 5
	first := true
	for skips := 0; skips < maxSkips; skips++ {
		var (
			id  string
			err error
		)
		if first {
			first = false
			id, err = q.moveToActive(ctx, wait)
		} else {
			id, err = q.moveToActive(ctx, 0)
		}
		if err != nil {
			return nil, err
		}
		if id == "" {
			return nil, nil
		}

		// The id is already on the active list. Cancelling now would leave it
		// there unlocked and still marked waiting, where stall detection
		// never looks.
		lctx := context.WithoutCancel(ctx)
		now := time.Now()
		pipe := q.client.TxPipeline()
		pipe.Set(lctx, q.lockKey(id), token, lockDuration)
		pipe.HSet(lctx, q.jobKey(id), "state", string(JobActive), "processed_on_ms", now.UnixMilli())
		vals := pipe.HGetAll(lctx, q.jobKey(id))
		if _, err := pipe.Exec(lctx); err != nil {
			return nil, err
		}

		m := vals.Val()
		// HSET above recreates a missing hash with a single field.
		if _, ok := m["name"]; !ok {
			cleanup := q.client.TxPipeline()
			cleanup.LRem(lctx, q.activeKey(), 1, id)
			cleanup.Del(lctx, q.lockKey(id), q.jobKey(id))
			_, _ = cleanup.Exec(lctx)
			continue
		}

		job := q.parseJob(id, m)
		job.lockToken = token
		q.publish(ctx, Event{Type: EventActive, JobID: id, AttemptsMade: job.AttemptsMade})
		return job, nil
	}
	return nil, nil
}

func (q *Queue) moveToActive(ctx context.Context, wait time.Duration) (string, error) {
	if wait >= time.Second {
		// BLMOVE takes integer seconds. Round up to avoid truncation warnings.
		waitSec := ((wait + time.Second - 1) / time.Second) * time.Second
		id, err := q.client.BLMove(ctx, q.waitKey(), q.activeKey(), "LEFT", "RIGHT", waitSec).Result()
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return id, err
	}

	deadline := time.Now().Add(wait)
	for {
		id, err := q.client.LMove(ctx, q.waitKey(), q.activeKey(), "LEFT", "RIGHT").Result()
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, redis.Nil) {
			return "", err
		}
		if wait <= 0 || time.Now().After(deadline) {
			return "", nil
		}

		// Sleep a bit to avoid hot-looping.
		sleep := 10 * time.Millisecond
		if remaining := time.Until(deadline); remaining < sleep {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// withLock runs fn in a MULTI block if job is still locked by its token.
func (q *Queue) withLock(ctx context.Context, job *Job, fn func(redis.Pipeliner)) error {
	lk := q.lockKey(job.ID)
	err := q.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, lk).Result()
		if errors.Is(err, redis.Nil) || (err == nil && cur != job.lockToken) {
			return ErrLockLost
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			fn(p)
			return nil
		})
		return err
	}, lk)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrLockLost
	}
	return err
}

// ExtendLock pushes the lock expiry of a fetched job d into the future.
func (q *Queue) ExtendLock(ctx context.Context, job *Job, d time.Duration) error {
	return q.withLock(ctx, job, func(p redis.Pipeliner) {
		p.PExpire(ctx, q.lockKey(job.ID), d)
	})
}

// Complete records the return value of a fetched job and moves it to the
// completed list.
func (q *Queue) Complete(ctx context.Context, job *Job, returnValue any) error {
	rv, err := encodeData(returnValue)
	if err != nil {
		return err
	}
	now := time.Now()
	err = q.withLock(ctx, job, func(p redis.Pipeliner) {
		p.LRem(ctx, q.activeKey(), 1, job.ID)
		p.Del(ctx, q.lockKey(job.ID))
		p.HSet(ctx, q.jobKey(job.ID),
			"state", string(JobCompleted),
			"return_value", string(rv),
			"finished_on_ms", now.UnixMilli(),
		)
		p.LPush(ctx, q.completedKey(), job.ID)
	})
	if err != nil {
		return err
	}

	job.State = JobCompleted
	job.ReturnValue = rv
	job.FinishedOn = now
	q.trim(ctx, q.completedKey(), job.Opts.RemoveOnComplete)
	q.publish(ctx, Event{Type: EventCompleted, JobID: job.ID, ReturnValue: rv, AttemptsMade: job.AttemptsMade})
	return nil
}

// Release hands a fetched job back without counting an attempt. It goes to
// the head of the wait list.
func (q *Queue) Release(ctx context.Context, job *Job) error {
	err := q.withLock(ctx, job, func(p redis.Pipeliner) {
		p.LRem(ctx, q.activeKey(), 1, job.ID)
		p.Del(ctx, q.lockKey(job.ID))
		p.HSet(ctx, q.jobKey(job.ID), "state", string(JobWaiting))
		p.LPush(ctx, q.waitKey(), job.ID)
	})
	if err != nil {
		return err
	}
	job.State = JobWaiting
	q.publish(ctx, Event{Type: EventWaiting, JobID: job.ID, AttemptsMade: job.AttemptsMade})
	return nil
}

// Fail records a failed attempt. While attempts remain the job is scheduled
// for retry after its backoff delay and retrying is true; otherwise it is
// moved to the failed list.
func (q *Queue) Fail(ctx context.Context, job *Job, reason string) (retrying bool, err error) {
	attempts := job.AttemptsMade + 1
	now := time.Now()

	if attempts < job.Opts.Attempts {
		delay := job.Opts.Backoff.DelayFor(attempts)
		next := JobWaiting
		if delay > 0 {
			next = JobDelayed
		}
		err = q.withLock(ctx, job, func(p redis.Pipeliner) {
			p.LRem(ctx, q.activeKey(), 1, job.ID)
			p.Del(ctx, q.lockKey(job.ID))
			p.HSet(ctx, q.jobKey(job.ID),
				"state", string(next),
				"attempts_made", attempts,
				"failed_reason", reason,
			)
			if delay > 0 {
				p.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(now.Add(delay).UnixMilli()), Member: job.ID})
			} else {
				p.RPush(ctx, q.waitKey(), job.ID)
			}
		})
		if err != nil {
			return false, err
		}
		job.State = next
		job.AttemptsMade = attempts
		job.FailedReason = reason
		q.publish(ctx, Event{Type: EventRetrying, JobID: job.ID, FailedReason: reason, AttemptsMade: attempts})
		return true, nil
	}

	err = q.withLock(ctx, job, func(p redis.Pipeliner) {
		p.LRem(ctx, q.activeKey(), 1, job.ID)
		p.Del(ctx, q.lockKey(job.ID))
		p.HSet(ctx, q.jobKey(job.ID),
			"state", string(JobFailed),
			"attempts_made", attempts,
			"failed_reason", reason,
			"finished_on_ms", now.UnixMilli(),
		)
		p.LPush(ctx, q.failedKey(), job.ID)
	})
	if err != nil {
		return false, err
	}
	job.State = JobFailed
	job.AttemptsMade = attempts
	job.FailedReason = reason
	job.FinishedOn = now
	q.trim(ctx, q.failedKey(), job.Opts.RemoveOnFail)
	q.publish(ctx, Event{Type: EventFailed, JobID: job.ID, FailedReason: reason, AttemptsMade: attempts})
	return false, nil
}

// trim keeps the newest keep entries of a finished list and deletes the
// records of everything older. Negative keep retains all.
func (q *Queue) trim(ctx context.Context, listKey string, keep int) {
	if keep < 0 {
		return
	}
	// Concurrent finishers trim the same list. WATCH makes the range read and
	// the trim one step, so an id is never dropped from the list while its
	// hash survives.
	const maxRetries = 3
	for i := 0; i < maxRetries; i++ {
		err := q.client.Watch(ctx, func(tx *redis.Tx) error {
			ids, err := tx.LRange(ctx, listKey, int64(keep), -1).Result()
			if err != nil || len(ids) == 0 {
				return err
			}
			keys := make([]string, 0, len(ids))
			for _, id := range ids {
				keys = append(keys, q.jobKey(id))
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				if keep == 0 {
					p.Del(ctx, listKey)
				} else {
					p.LTrim(ctx, listKey, 0, int64(keep-1))
				}
				p.Del(ctx, keys...)
				return nil
			})
			return err
		}, listKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			q.log.Warn("trim finished jobs failed", slog.String("list", listKey), slog.Any("error", err))
		}
		return
	}
	// Another finisher changed the list each time; its own trim covers ours.
	q.log.Debug("trim finished jobs contended", slog.String("list", listKey))
}

// PromoteDelayedOnce moves due delayed jobs back to the wait list.
// Returns how many jobs were promoted.
func (q *Queue) PromoteDelayedOnce(ctx context.Context, batch int64) (int, error) {
	if batch <= 0 {
		batch = 100
	}
	now := time.Now().UnixMilli()
	ids, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now, 10), Offset: 0, Count: batch}).Result()
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, id := range ids {
		// Only the caller that removes the id may push it.
		n, err := q.client.ZRem(ctx, q.delayedKey(), id).Result()
		if err != nil {
			return promoted, err
		}
		if n == 0 {
			continue
		}
		pipe := q.client.TxPipeline()
		pipe.HSet(ctx, q.jobKey(id), "state", string(JobWaiting))
		pipe.RPush(ctx, q.waitKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return promoted, err
		}
		promoted++
		q.publish(ctx, Event{Type: EventWaiting, JobID: id})
	}
	return promoted, nil
}

// CheckStalledOnce recovers active jobs whose lock expired. A job is stalled
// when it was marked by the previous pass and still has no lock. Stalled
// jobs go back to the wait list, or to the failed list once stalled more
// than maxStalledCount times. Every call then marks the current active set
// for the next pass.
func (q *Queue) CheckStalledOnce(ctx context.Context, maxStalledCount int) (requeued, failed int, err error) {
	marked, err := q.client.SMembers(ctx, q.stalledKey()).Result()
	if err != nil {
		return 0, 0, err
	}
	if len(marked) > 0 {
		if err := q.client.Del(ctx, q.stalledKey()).Err(); err != nil {
			return 0, 0, err
		}
	}

	for _, id := range marked {
		outcome, err := q.recoverStalled(ctx, id, maxStalledCount)
		if err != nil {
			return requeued, failed, err
		}
		switch outcome {
		case EventStalled:
			requeued++
		case EventFailed:
			failed++
		}
	}

	active, err := q.client.LRange(ctx, q.activeKey(), 0, -1).Result()
	if err != nil {
		return requeued, failed, err
	}
	if len(active) > 0 {
		members := make([]any, 0, len(active))
		for _, id := range active {
			members = append(members, id)
		}
		if err := q.client.SAdd(ctx, q.stalledKey(), members...).Err(); err != nil {
			return requeued, failed, err
		}
	}
	return requeued, failed, nil
}

func (q *Queue) recoverStalled(ctx context.Context, id string, maxStalledCount int) (EventType, error) {
	var (
		outcome EventType
		job     *Job
	)
	err := q.client.Watch(ctx, func(tx *redis.Tx) error {
		outcome = ""
		locked, err := tx.Exists(ctx, q.lockKey(id)).Result()
		if err != nil || locked > 0 {
			return err
		}
		vals, err := tx.HGetAll(ctx, q.jobKey(id)).Result()
		if err != nil {
			return err
		}
		if len(vals) == 0 {
			_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.LRem(ctx, q.activeKey(), 1, id)
				return nil
			})
			return err
		}

		job = q.parseJob(id, vals)
		if job.State != JobActive {
			// Finished or rescheduled since it was marked.
			return nil
		}
		job.StalledCount++
		now := time.Now()
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.LRem(ctx, q.activeKey(), 1, id)
			if job.StalledCount > maxStalledCount {
				p.HSet(ctx, q.jobKey(id),
					"state", string(JobFailed),
					"stalled_count", job.StalledCount,
					"failed_reason", StalledReason,
					"finished_on_ms", now.UnixMilli(),
				)
				p.LPush(ctx, q.failedKey(), id)
				outcome = EventFailed
			} else {
				p.HSet(ctx, q.jobKey(id), "state", string(JobWaiting), "stalled_count", job.StalledCount)
				p.RPush(ctx, q.waitKey(), id)
				outcome = EventStalled
			}
			return nil
		})
		return err
	}, q.lockKey(id), q.jobKey(id))
	if errors.Is(err, redis.TxFailedErr) {
		// Touched concurrently; the next pass decides.
		return "", nil
	}
	if err != nil {
		return "", err
	}

	switch outcome {
	case EventStalled:
		q.log.Warn("stalled job moved back to wait", slog.String("job_id", id), slog.Int("stalled_count", job.StalledCount))
		q.publish(ctx, Event{Type: EventStalled, JobID: id})
	case EventFailed:
		q.log.Warn("stalled job failed", slog.String("job_id", id), slog.Int("stalled_count", job.StalledCount))
		q.trim(ctx, q.failedKey(), job.Opts.RemoveOnFail)
		q.publish(ctx, Event{Type: EventFailed, JobID: id, FailedReason: StalledReason, AttemptsMade: job.AttemptsMade})
	}
	return outcome, nil
}

// Counts returns the current size of every job list.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	wait := pipe.LLen(ctx, q.waitKey())
	active := pipe.LLen(ctx, q.activeKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	completed := pipe.LLen(ctx, q.completedKey())
	failed := pipe.LLen(ctx, q.failedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, err
	}
	return Counts{
		Waiting:   wait.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// Close marks the queue handle closed. The Redis client is owned by the
// caller. Closing twice returns ErrQueueClosed.
func (q *Queue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return ErrQueueClosed
	}
	return nil
}

// Subscription is a live PubSub subscription to a queue's events.
type Subscription struct {
	pubsub *redis.PubSub
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Subscribe delivers every event of the queue to handler, one at a time,
// from a single goroutine. The subscription is confirmed before Subscribe
// returns so no event published afterwards is missed.
func (q *Queue) Subscribe(ctx context.Context, handler func(Event)) (*Subscription, error) {
	pubsub := q.opt.EventClient.Subscribe(ctx, q.eventChannel())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	ch := pubsub.Channel()

	s := &Subscription{
		pubsub: pubsub,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		for {
			select {
			case <-s.stop:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err == nil {
					handler(ev)
				}
			}
		}
	}()
	return s, nil
}

// Close stops delivery and waits for an in-progress handler call. It must
// not be called from inside the handler. Closing twice returns
// ErrSubscriptionClosed.
func (s *Subscription) Close() error {
	err := ErrSubscriptionClosed
	s.once.Do(func() {
		close(s.stop)
		err = s.pubsub.Close()
		<-s.done
	})
	return err
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return n
}

func parseUnixMs(s string) time.Time {
	ms := parseInt64(s)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
