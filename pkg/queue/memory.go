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
	"container/heap"
	"context"
	"sync"
	"time"
)

// leaseGrace pads the reclaim horizon past the handler deadline so the normal
// failure path settles the job before the reclaimer can race it.
const leaseGrace = 5 * time.Second

// memoryBackend is the in-process backend: a priority heap for ready jobs, a
// deadline heap for delayed jobs and capped retention slices. All operations
// are single-winner under the backend mutex.
type memoryBackend struct {
	mu        sync.Mutex
	seq       uint64
	ready     readyHeap
	delayed   delayedHeap
	active    map[string]*activeEntry
	completed []*Job
	failed    []*Job
}

type activeEntry struct {
	job    *Job
	expiry time.Time
}

// NewMemoryBackend returns a BackendFactory for in-process queues.
func NewMemoryBackend() BackendFactory {
	return func(string) Backend {
		return &memoryBackend{active: map[string]*activeEntry{}}
	}
}

func (b *memoryBackend) Push(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	job.Seq = b.seq
	heap.Push(&b.ready, job)
	return nil
}

func (b *memoryBackend) Reserve(_ context.Context, now time.Time, lease time.Duration) (*Job, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.promote(now)

	for id, entry := range b.active {
		if entry.expiry.Before(now) {
			delete(b.active, id)
			return entry.job, true, nil
		}
	}
	if b.ready.Len() == 0 {
		return nil, false, nil
	}
	job := heap.Pop(&b.ready).(*Job)
	job.State = StateActive
	b.active[job.ID] = &activeEntry{job: job, expiry: now.Add(lease + leaseGrace)}
	return job, false, nil
}

// promote moves due delayed jobs onto the ready heap.
func (b *memoryBackend) promote(now time.Time) {
	for b.delayed.Len() > 0 && !b.delayed[0].NextEligibleAt.After(now) {
		job := heap.Pop(&b.delayed).(*Job)
		job.State = StateWaiting
		heap.Push(&b.ready, job)
	}
}

func (b *memoryBackend) Complete(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.release(job.ID) {
		return nil
	}
	b.completed = appendCapped(b.completed, job, job.KeepCompleted)
	return nil
}

func (b *memoryBackend) Fail(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.release(job.ID)
	b.failed = appendCapped(b.failed, job, job.KeepFailed)
	return nil
}

func (b *memoryBackend) Retry(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.release(job.ID)
	heap.Push(&b.delayed, job)
	return nil
}

// release drops the job's active entry. A job that was already reclaimed has
// no entry; the reclaimer owns it now and the late settle is a no-op for
// Complete (the reclaim already counted a failure attempt).
func (b *memoryBackend) release(id string) bool {
	if _, ok := b.active[id]; !ok {
		return false
	}
	delete(b.active, id)
	return true
}

func (b *memoryBackend) Depth(_ context.Context, now time.Time) (Depth, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.promote(now)
	return Depth{
		Waiting:   b.ready.Len(),
		Active:    len(b.active),
		Delayed:   b.delayed.Len(),
		Completed: len(b.completed),
		Failed:    len(b.failed),
	}, nil
}

func (b *memoryBackend) Close() error {
	return nil
}

func appendCapped(jobs []*Job, job *Job, keep int) []*Job {
	jobs = append(jobs, job)
	if keep > 0 && len(jobs) > keep {
		jobs = jobs[len(jobs)-keep:]
	}
	return jobs
}

// readyHeap orders ready jobs by ascending (priority, seq): lower priority
// numbers first, FIFO within equal priority.
type readyHeap []*Job

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].Seq < h[j].Seq
}
func (h readyHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x interface{}) { *h = append(*h, x.(*Job)) }
func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}

// delayedHeap orders delayed jobs by ascending NextEligibleAt.
type delayedHeap []*Job

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	return h[i].NextEligibleAt.Before(h[j].NextEligibleAt)
}
func (h delayedHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x interface{}) { *h = append(*h, x.(*Job)) }
func (h *delayedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}
