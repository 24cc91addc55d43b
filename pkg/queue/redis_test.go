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

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
)

var _ = Describe("RedisBackend", func() {
	var (
		ctx     context.Context
		server  *miniredis.Miniredis
		client  *redis.Client
		backend Backend
		now     time.Time
		lease   time.Duration
	)

	push := func(id string, priority int) *Job {
		job := &Job{
			ID:            id,
			Queue:         "test",
			Payload:       []byte(id),
			Priority:      priority,
			MaxAttempts:   1,
			KeepCompleted: DefaultKeepCompleted,
			KeepFailed:    DefaultKeepFailed,
			EnqueuedAt:    now,
			State:         StateWaiting,
		}
		Expect(backend.Push(ctx, job)).To(Succeed())
		return job
	}

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		server, err = miniredis.Run()
		Expect(err).ToNot(HaveOccurred())
		client = redis.NewClient(&redis.Options{Addr: server.Addr()})
		backend = NewRedisBackend(client)("test")
		now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		lease = 30 * time.Second
	})

	AfterEach(func() {
		Expect(client.Close()).To(Succeed())
		server.Close()
	})

	It("should dispatch by priority then FIFO", func() {
		push("low-1", PriorityNormal)
		push("high-1", PriorityHigh)
		push("low-2", PriorityNormal)
		push("high-2", PriorityHigh)

		var order []string
		for i := 0; i < 4; i++ {
			job, stalled, err := backend.Reserve(ctx, now, lease)
			Expect(err).ToNot(HaveOccurred())
			Expect(stalled).To(BeFalse())
			order = append(order, job.ID)
		}
		Expect(order).To(Equal([]string{"high-1", "high-2", "low-1", "low-2"}))
	})

	It("should round-trip the job body", func() {
		pushed := push("body", PriorityMedium)
		job, _, err := backend.Reserve(ctx, now, lease)
		Expect(err).ToNot(HaveOccurred())
		Expect(job.ID).To(Equal(pushed.ID))
		Expect(job.Payload).To(Equal([]byte("body")))
		Expect(job.Priority).To(Equal(PriorityMedium))
		Expect(job.Seq).To(Equal(pushed.Seq))
	})

	It("should hold a retried job back until its eligibility time", func() {
		job := push("retry-me", PriorityNormal)
		_, _, err := backend.Reserve(ctx, now, lease)
		Expect(err).ToNot(HaveOccurred())

		job.AttemptsMade = 1
		job.NextEligibleAt = now.Add(time.Second)
		job.State = StateDelayed
		Expect(backend.Retry(ctx, job)).To(Succeed())

		early, _, err := backend.Reserve(ctx, now.Add(500*time.Millisecond), lease)
		Expect(err).ToNot(HaveOccurred())
		Expect(early).To(BeNil())

		due, _, err := backend.Reserve(ctx, now.Add(time.Second), lease)
		Expect(err).ToNot(HaveOccurred())
		Expect(due.ID).To(Equal("retry-me"))
		Expect(due.AttemptsMade).To(Equal(1))
	})

	It("should reclaim a job whose lease expired", func() {
		push("stuck", PriorityNormal)
		_, _, err := backend.Reserve(ctx, now, lease)
		Expect(err).ToNot(HaveOccurred())

		job, stalled, err := backend.Reserve(ctx, now.Add(lease), lease)
		Expect(err).ToNot(HaveOccurred())
		Expect(stalled).To(BeFalse())
		Expect(job).To(BeNil())

		job, stalled, err = backend.Reserve(ctx, now.Add(lease+leaseGrace+time.Second), lease)
		Expect(err).ToNot(HaveOccurred())
		Expect(stalled).To(BeTrue())
		Expect(job.ID).To(Equal("stuck"))
	})

	It("should retire completed jobs and drop their bodies", func() {
		job := push("done", PriorityNormal)
		_, _, err := backend.Reserve(ctx, now, lease)
		Expect(err).ToNot(HaveOccurred())
		job.State = StateCompleted
		Expect(backend.Complete(ctx, job)).To(Succeed())

		depth, err := backend.Depth(ctx, now)
		Expect(err).ToNot(HaveOccurred())
		Expect(depth).To(Equal(Depth{Completed: 1}))
		Expect(client.HExists(ctx, "claimpipe:q:test:jobs", "done").Val()).To(BeFalse())
	})

	It("should cap retention of failed jobs", func() {
		for i := 0; i < 5; i++ {
			job := push(fmt.Sprintf("job-%d", i), PriorityNormal)
			job.KeepFailed = 2
			_, _, err := backend.Reserve(ctx, now, lease)
			Expect(err).ToNot(HaveOccurred())
			job.State = StateFailed
			Expect(backend.Fail(ctx, job)).To(Succeed())
		}
		depth, err := backend.Depth(ctx, now)
		Expect(err).ToNot(HaveOccurred())
		Expect(depth.Failed).To(Equal(2))
	})

	It("should report the census by state", func() {
		active := push("active", PriorityNormal)
		_, _, err := backend.Reserve(ctx, now, lease)
		Expect(err).ToNot(HaveOccurred())

		push("waiting", PriorityNormal)
		active.NextEligibleAt = now.Add(time.Hour)
		// Move the active job to delayed, as a worker retry would.
		Expect(backend.Retry(ctx, active)).To(Succeed())

		depth, err := backend.Depth(ctx, now)
		Expect(err).ToNot(HaveOccurred())
		Expect(depth).To(Equal(Depth{Waiting: 1, Delayed: 1}))
	})

	It("should keep queues isolated by name", func() {
		other := NewRedisBackend(client)("other")
		push("mine", PriorityNormal)

		job, _, err := other.Reserve(ctx, now, lease)
		Expect(err).ToNot(HaveOccurred())
		Expect(job).To(BeNil())

		job, _, err = backend.Reserve(ctx, now, lease)
		Expect(err).ToNot(HaveOccurred())
		Expect(job.ID).To(Equal("mine"))
	})
})
