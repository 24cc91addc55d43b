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
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("MemoryBackend", func() {
	var (
		ctx     context.Context
		backend Backend
		now     time.Time
		lease   time.Duration
	)

	push := func(id string, priority int) *Job {
		job := &Job{
			ID:          id,
			Queue:       "test",
			Priority:    priority,
			MaxAttempts: 1,
			EnqueuedAt:  now,
			State:       StateWaiting,
		}
		Expect(backend.Push(ctx, job)).To(Succeed())
		return job
	}

	BeforeEach(func() {
		ctx = context.Background()
		backend = NewMemoryBackend()("test")
		now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		lease = 30 * time.Second
	})

	It("should dispatch lower priority numbers first", func() {
		push("normal", PriorityNormal)
		push("high", PriorityHigh)
		push("medium", PriorityMedium)

		var order []string
		for i := 0; i < 3; i++ {
			job, stalled, err := backend.Reserve(ctx, now, lease)
			Expect(err).ToNot(HaveOccurred())
			Expect(stalled).To(BeFalse())
			order = append(order, job.ID)
		}
		Expect(order).To(Equal([]string{"high", "medium", "normal"}))
	})

	It("should dispatch FIFO within a priority", func() {
		for i := 0; i < 5; i++ {
			push(fmt.Sprintf("job-%d", i), PriorityNormal)
		}
		for i := 0; i < 5; i++ {
			job, _, err := backend.Reserve(ctx, now, lease)
			Expect(err).ToNot(HaveOccurred())
			Expect(job.ID).To(Equal(fmt.Sprintf("job-%d", i)))
		}
	})

	It("should return nothing when empty", func() {
		job, stalled, err := backend.Reserve(ctx, now, lease)
		Expect(err).ToNot(HaveOccurred())
		Expect(stalled).To(BeFalse())
		Expect(job).To(BeNil())
	})

	It("should hold a retried job back until its eligibility time", func() {
		job := push("retry-me", PriorityNormal)
		reserved, _, err := backend.Reserve(ctx, now, lease)
		Expect(err).ToNot(HaveOccurred())
		Expect(reserved.ID).To(Equal("retry-me"))

		job.AttemptsMade = 1
		job.NextEligibleAt = now.Add(time.Second)
		job.State = StateDelayed
		Expect(backend.Retry(ctx, job)).To(Succeed())

		early, _, err := backend.Reserve(ctx, now, lease)
		Expect(err).ToNot(HaveOccurred())
		Expect(early).To(BeNil())

		due, _, err := backend.Reserve(ctx, now.Add(time.Second), lease)
		Expect(err).ToNot(HaveOccurred())
		Expect(due.ID).To(Equal("retry-me"))
	})

	It("should reclaim a job whose lease expired", func() {
		push("stuck", PriorityNormal)
		reserved, _, err := backend.Reserve(ctx, now, lease)
		Expect(err).ToNot(HaveOccurred())
		Expect(reserved.ID).To(Equal("stuck"))

		// Within the lease nothing is reclaimable.
		job, stalled, err := backend.Reserve(ctx, now.Add(lease), lease)
		Expect(err).ToNot(HaveOccurred())
		Expect(stalled).To(BeFalse())
		Expect(job).To(BeNil())

		job, stalled, err = backend.Reserve(ctx, now.Add(lease+leaseGrace+time.Second), lease)
		Expect(err).ToNot(HaveOccurred())
		Expect(stalled).To(BeTrue())
		Expect(job.ID).To(Equal("stuck"))
	})

	It("should make a late settle after reclaim a no-op", func() {
		job := push("slow", PriorityNormal)
		_, _, err := backend.Reserve(ctx, now, lease)
		Expect(err).ToNot(HaveOccurred())

		reclaimed, stalled, err := backend.Reserve(ctx, now.Add(lease+leaseGrace+time.Second), lease)
		Expect(err).ToNot(HaveOccurred())
		Expect(stalled).To(BeTrue())
		Expect(reclaimed.ID).To(Equal("slow"))

		// The slow handler finishes after the reclaim; its completion must not count.
		Expect(backend.Complete(ctx, job)).To(Succeed())
		depth, err := backend.Depth(ctx, now)
		Expect(err).ToNot(HaveOccurred())
		Expect(depth.Completed).To(Equal(0))
	})

	It("should cap retention of completed jobs", func() {
		for i := 0; i < 5; i++ {
			job := push(fmt.Sprintf("job-%d", i), PriorityNormal)
			job.KeepCompleted = 3
			_, _, err := backend.Reserve(ctx, now, lease)
			Expect(err).ToNot(HaveOccurred())
			Expect(backend.Complete(ctx, job)).To(Succeed())
		}
		depth, err := backend.Depth(ctx, now)
		Expect(err).ToNot(HaveOccurred())
		Expect(depth.Completed).To(Equal(3))
	})

	It("should report the census by state", func() {
		active := push("active", PriorityNormal)
		_, _, err := backend.Reserve(ctx, now, lease)
		Expect(err).ToNot(HaveOccurred())
		Expect(active.State).To(Equal(StateActive))

		push("waiting", PriorityNormal)
		delayed := push("delayed", PriorityHigh)
		_, _, err = backend.Reserve(ctx, now, lease)
		Expect(err).ToNot(HaveOccurred())
		delayed.NextEligibleAt = now.Add(time.Hour)
		Expect(backend.Retry(ctx, delayed)).To(Succeed())

		depth, err := backend.Depth(ctx, now)
		Expect(err).ToNot(HaveOccurred())
		Expect(depth).To(Equal(Depth{Waiting: 1, Active: 1, Delayed: 1}))
	})
})

var _ = Describe("Backoff", func() {
	It("should double per failed attempt", func() {
		job := &Job{BaseDelay: 100 * time.Millisecond}
		job.AttemptsMade = 1
		Expect(job.backoff()).To(Equal(100 * time.Millisecond))
		job.AttemptsMade = 2
		Expect(job.backoff()).To(Equal(200 * time.Millisecond))
		job.AttemptsMade = 3
		Expect(job.backoff()).To(Equal(400 * time.Millisecond))
	})
})
