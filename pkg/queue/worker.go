/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// pollInterval bounds how long an idle worker waits before re-checking the
// backend for promoted delayed jobs or reclaimable leases.
const pollInterval = 100 * time.Millisecond

// Queue is a single named work queue. Producers call Enqueue; consumers attach
// bounded worker pools with RegisterWorker. All storage goes through the backend.
type Queue struct {
	name    string
	backend Backend
	clock   clock.WithTicker
	log     *zap.SugaredLogger
	lease   time.Duration

	events chan Event
	notify chan struct{}
	stopCh chan struct{}

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newQueue(name string, backend Backend, clk clock.WithTicker, log *zap.SugaredLogger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		name:    name,
		backend: backend,
		clock:   clk,
		log:     log.With("queue", name),
		lease:   DefaultLease,
		events:  make(chan Event, 256),
		notify:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

func (q *Queue) Name() string {
	return q.name
}

// SetLease overrides the handler lease for this queue. A handler still running
// past the lease is treated as stalled and its job becomes a failure attempt.
func (q *Queue) SetLease(lease time.Duration) {
	q.lease = lease
}

// Events exposes the queue's completion/failure/stall stream. The channel is
// bounded; events are dropped rather than blocking dispatch.
func (q *Queue) Events() <-chan Event {
	return q.events
}

// Enqueue stores a payload for dispatch and returns the job id. It fails only
// on substrate shutdown or a backend error.
func (q *Queue) Enqueue(ctx context.Context, payload []byte, opts EnqueueOptions) (string, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	opts = opts.withDefaults()
	now := q.clock.Now()
	job := &Job{
		ID:             newJobID(),
		Queue:          q.name,
		Payload:        payload,
		Priority:       opts.Priority,
		MaxAttempts:    opts.MaxAttempts,
		BaseDelay:      opts.BaseDelay,
		KeepCompleted:  opts.KeepCompleted,
		KeepFailed:     opts.KeepFailed,
		EnqueuedAt:     now,
		NextEligibleAt: now,
		State:          StateWaiting,
	}
	if err := q.backend.Push(ctx, job); err != nil {
		return "", fmt.Errorf("enqueuing onto %q, %w", q.name, err)
	}
	jobsEnqueued.WithLabelValues(q.name).Inc()

	// Wake one idle worker without blocking.
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return job.ID, nil
}

// Depth reports the queue census.
func (q *Queue) Depth(ctx context.Context) (Depth, error) {
	return q.backend.Depth(ctx, q.clock.Now())
}

// RegisterWorker attaches a worker pool to the queue. At most concurrency
// handler invocations are in flight at once; pools on different queues are
// independent.
func (q *Queue) RegisterWorker(handler Handler, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		q.wg.Add(1)
		go q.work(handler)
	}
}

func (q *Queue) work(handler Handler) {
	defer q.wg.Done()
	ticker := q.clock.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		default:
		}
		job, stalled, err := q.backend.Reserve(q.baseCtx, q.clock.Now(), q.lease)
		if err != nil {
			if q.baseCtx.Err() != nil {
				return
			}
			q.log.Errorw("reserving job", "error", err)
			select {
			case <-ticker.C():
			case <-q.stopCh:
				return
			}
			continue
		}
		if job == nil {
			select {
			case <-q.notify:
			case <-ticker.C():
			case <-q.stopCh:
				return
			}
			continue
		}
		if stalled {
			// Reclaimed from an expired lease: no handler run, counts as a failure attempt.
			q.settleFailure(job, errors.New("stalled, lease expired"), true)
			continue
		}
		q.run(handler, job)
	}
}

func (q *Queue) run(handler Handler, job *Job) {
	start := q.clock.Now()
	ctx, cancel := context.WithTimeout(q.baseCtx, q.lease)
	err := invoke(ctx, handler, job)
	cancel()
	handlerDuration.WithLabelValues(q.name).Observe(q.clock.Since(start).Seconds())

	if err != nil {
		q.settleFailure(job, err, errors.Is(err, context.DeadlineExceeded))
		return
	}
	job.State = StateCompleted
	if e := q.backend.Complete(q.baseCtx, job); e != nil {
		q.log.Errorw("completing job", "job", job.ID, "error", e)
	}
	jobsCompleted.WithLabelValues(q.name).Inc()
	q.publish(Event{Kind: EventCompleted, Job: *job})
}

// invoke shields the worker loop from handler panics; a panic is a failure
// attempt like any other.
func invoke(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (q *Queue) settleFailure(job *Job, cause error, stalled bool) {
	job.AttemptsMade++
	job.LastError = cause.Error()
	if stalled {
		jobsStalled.WithLabelValues(q.name).Inc()
		q.publish(Event{Kind: EventStalled, Job: *job, Error: job.LastError})
	}
	if !IsUnrecoverableError(cause) && job.AttemptsMade < job.MaxAttempts {
		job.NextEligibleAt = q.clock.Now().Add(job.backoff())
		job.State = StateDelayed
		if err := q.backend.Retry(q.baseCtx, job); err != nil {
			q.log.Errorw("rescheduling job", "job", job.ID, "error", err)
		}
		jobsRetried.WithLabelValues(q.name).Inc()
		q.log.Debugw("retrying job", "job", job.ID, "attempt", job.AttemptsMade, "error", job.LastError)
		return
	}
	job.State = StateFailed
	if err := q.backend.Fail(q.baseCtx, job); err != nil {
		q.log.Errorw("failing job", "job", job.ID, "error", err)
	}
	jobsFailed.WithLabelValues(q.name).Inc()
	q.log.Warnw("job failed terminally", "job", job.ID, "attempts", job.AttemptsMade, "error", job.LastError)
	q.publish(Event{Kind: EventFailed, Job: *job, Error: job.LastError})
}

func (q *Queue) publish(event Event) {
	select {
	case q.events <- event:
	default:
		eventsDropped.WithLabelValues(q.name).Inc()
	}
}

// close stops enqueues, lets workers finish their current job, then tears the
// queue down. If ctx expires first, in-flight handlers are cancelled hard.
func (q *Queue) close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.stopCh)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		q.cancel()
		<-done
		err = fmt.Errorf("draining queue %q, %w", q.name, ctx.Err())
	}
	q.cancel()
	close(q.events)
	if e := q.backend.Close(); e != nil && err == nil {
		err = fmt.Errorf("closing backend of %q, %w", q.name, e)
	}
	return err
}
