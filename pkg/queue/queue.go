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

// Package queue provides the named work queues every pipeline stage
// communicates through: priority FIFO dispatch, bounded-concurrency workers,
// exponential-backoff retries and completion/failure events, over a swappable
// in-memory or Redis backend.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// Well-known priorities. Lower numbers dispatch first.
const (
	PriorityHigh   = 1
	PriorityMedium = 5
	PriorityNormal = 10
)

const (
	DefaultLease         = 30 * time.Second
	DefaultKeepCompleted = 1000
	DefaultKeepFailed    = 5000
)

// ErrClosed is returned by Enqueue after the substrate has begun shutdown.
var ErrClosed = errors.New("queue substrate closed")

// State is a job's lifecycle state.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job is a queue element. A job is owned by exactly one queue and processed by
// at most one worker at a time.
type Job struct {
	ID             string        `json:"id"`
	Queue          string        `json:"queue"`
	Payload        []byte        `json:"payload"`
	Priority       int           `json:"priority"`
	Seq            uint64        `json:"seq"`
	AttemptsMade   int           `json:"attempts_made"`
	MaxAttempts    int           `json:"max_attempts"`
	BaseDelay      time.Duration `json:"base_delay"`
	KeepCompleted  int           `json:"keep_completed"`
	KeepFailed     int           `json:"keep_failed"`
	EnqueuedAt     time.Time     `json:"enqueued_at"`
	NextEligibleAt time.Time     `json:"next_eligible_at"`
	State          State         `json:"state"`
	LastError      string        `json:"last_error,omitempty"`
}

// backoff returns the delay before the next attempt:
// base x 2^(attemptsMade-1), attemptsMade counting the attempt that just failed.
func (j *Job) backoff() time.Duration {
	return j.BaseDelay << (j.AttemptsMade - 1)
}

// EnqueueOptions configure a single enqueue. Zero values select the defaults:
// normal priority, a single attempt, default retention caps.
type EnqueueOptions struct {
	Priority      int
	MaxAttempts   int
	BaseDelay     time.Duration
	KeepCompleted int
	KeepFailed    int
}

func (o EnqueueOptions) withDefaults() EnqueueOptions {
	if o.Priority == 0 {
		o.Priority = PriorityNormal
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.KeepCompleted <= 0 {
		o.KeepCompleted = DefaultKeepCompleted
	}
	if o.KeepFailed <= 0 {
		o.KeepFailed = DefaultKeepFailed
	}
	return o
}

// Handler processes a single job. A nil return completes the job; an error
// schedules a retry unless attempts are exhausted or the error is unrecoverable.
type Handler func(ctx context.Context, job *Job) error

// UnrecoverableError marks a handler failure that must not be retried. The
// substrate terminal-fails the job on first sight.
type UnrecoverableError struct {
	error
}

func NewUnrecoverableError(err error) *UnrecoverableError {
	return &UnrecoverableError{error: err}
}

func (e *UnrecoverableError) Unwrap() error {
	return e.error
}

func IsUnrecoverableError(err error) bool {
	if err == nil {
		return false
	}
	var unrecoverableError *UnrecoverableError
	return errors.As(err, &unrecoverableError)
}

// Depth is a point-in-time census of a queue. Paused is carried for surface
// parity with the reporting schema; no pause operation exists, so it is
// always zero.
type Depth struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Delayed   int `json:"delayed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Paused    int `json:"paused"`
}

// EventKind discriminates queue events.
type EventKind string

const (
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventStalled   EventKind = "stalled"
)

// Event is emitted on job completion, terminal failure and stall reclaim.
// Delivery is best effort: the event channel is bounded and a slow consumer
// drops events rather than blocking dispatch.
type Event struct {
	Kind  EventKind
	Job   Job
	Error string
}

// Backend is the storage side of a queue. Implementations must make Reserve a
// single-winner operation under concurrent callers.
type Backend interface {
	// Push stores a newly enqueued job as waiting. Delayed jobs enter through Retry.
	Push(ctx context.Context, job *Job) error
	// Reserve promotes due delayed jobs, reclaims expired leases, then pops the
	// ready job with the lowest (priority, seq). It returns nil when nothing is
	// ready. Reclaimed jobs are returned before ready jobs, flagged stalled.
	Reserve(ctx context.Context, now time.Time, lease time.Duration) (*Job, bool, error)
	// Complete moves an active job to the completed retention ring.
	Complete(ctx context.Context, job *Job) error
	// Fail moves an active job to the failed retention ring.
	Fail(ctx context.Context, job *Job) error
	// Retry moves an active job back to delayed; the caller has already
	// incremented AttemptsMade and set NextEligibleAt.
	Retry(ctx context.Context, job *Job) error
	// Depth reports the census as of now.
	Depth(ctx context.Context, now time.Time) (Depth, error)
	Close() error
}

// BackendFactory builds the backend for a named queue.
type BackendFactory func(name string) Backend

// Manager owns the named queues of a substrate instance.
type Manager struct {
	mu         sync.Mutex
	queues     map[string]*Queue
	newBackend BackendFactory
	clock      clock.WithTicker
	log        *zap.SugaredLogger
	closed     bool
}

func NewManager(newBackend BackendFactory, clk clock.WithTicker, log *zap.SugaredLogger) *Manager {
	return &Manager{
		queues:     map[string]*Queue{},
		newBackend: newBackend,
		clock:      clk,
		log:        log.Named("queue"),
	}
}

// Queue returns the named queue, creating it on first use.
func (m *Manager) Queue(name string) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[name]; ok {
		return q
	}
	q := newQueue(name, m.newBackend(name), m.clock, m.log)
	m.queues[name] = q
	return q
}

// Names returns the names of all queues created so far.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	return names
}

// Depths reports the census of every queue.
func (m *Manager) Depths(ctx context.Context) (map[string]Depth, error) {
	m.mu.Lock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	depths := map[string]Depth{}
	for _, q := range queues {
		d, err := q.Depth(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading depth of queue %q, %w", q.Name(), err)
		}
		depths[q.Name()] = d
	}
	return depths, nil
}

// Close stops accepting enqueues, waits for in-flight handlers to finish and
// releases backend resources.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	var err error
	for _, q := range queues {
		if e := q.close(ctx); e != nil {
			err = multierr.Append(err, fmt.Errorf("closing queue %q, %w", q.Name(), e))
		}
	}
	return err
}

func newJobID() string {
	return uuid.NewString()
}
