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
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

var _ = Describe("Workers", func() {
	var (
		ctx     context.Context
		manager *Manager
	)

	BeforeEach(func() {
		ctx = context.Background()
		manager = NewManager(NewMemoryBackend(), clock.RealClock{}, zap.NewNop().Sugar())
	})

	AfterEach(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		Expect(manager.Close(closeCtx)).To(Succeed())
	})

	completed := func(q *Queue) func() int {
		return func() int {
			depth, err := q.Depth(ctx)
			Expect(err).ToNot(HaveOccurred())
			return depth.Completed
		}
	}
	failed := func(q *Queue) func() int {
		return func() int {
			depth, err := q.Depth(ctx)
			Expect(err).ToNot(HaveOccurred())
			return depth.Failed
		}
	}

	It("should run every enqueued job exactly once on success", func() {
		q := manager.Queue("work")
		var runs int64
		q.RegisterWorker(func(_ context.Context, _ *Job) error {
			atomic.AddInt64(&runs, 1)
			return nil
		}, 2)
		for i := 0; i < 10; i++ {
			_, err := q.Enqueue(ctx, []byte("payload"), EnqueueOptions{})
			Expect(err).ToNot(HaveOccurred())
		}
		Eventually(completed(q), 5*time.Second).Should(Equal(10))
		Expect(atomic.LoadInt64(&runs)).To(Equal(int64(10)))
	})

	It("should dispatch by priority when jobs are queued ahead of workers", func() {
		q := manager.Queue("priority")
		for _, j := range []struct {
			id       string
			priority int
		}{
			{"low-1", PriorityNormal},
			{"high-1", PriorityHigh},
			{"medium-1", PriorityMedium},
			{"high-2", PriorityHigh},
		} {
			_, err := q.Enqueue(ctx, []byte(j.id), EnqueueOptions{Priority: j.priority})
			Expect(err).ToNot(HaveOccurred())
		}

		var mu sync.Mutex
		var order []string
		q.RegisterWorker(func(_ context.Context, job *Job) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, string(job.Payload))
			return nil
		}, 1)

		Eventually(completed(q), 5*time.Second).Should(Equal(4))
		mu.Lock()
		defer mu.Unlock()
		Expect(order).To(Equal([]string{"high-1", "high-2", "medium-1", "low-1"}))
	})

	It("should retry a failing handler up to max attempts", func() {
		q := manager.Queue("retries")
		var attempts int64
		q.RegisterWorker(func(_ context.Context, _ *Job) error {
			atomic.AddInt64(&attempts, 1)
			return errors.New("transient")
		}, 1)
		_, err := q.Enqueue(ctx, []byte("payload"), EnqueueOptions{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
		})
		Expect(err).ToNot(HaveOccurred())

		Eventually(failed(q), 5*time.Second).Should(Equal(1))
		Expect(atomic.LoadInt64(&attempts)).To(Equal(int64(3)))
	})

	It("should recover after transient failures", func() {
		q := manager.Queue("recovery")
		var attempts int64
		q.RegisterWorker(func(_ context.Context, _ *Job) error {
			if atomic.AddInt64(&attempts, 1) < 3 {
				return errors.New("transient")
			}
			return nil
		}, 1)
		_, err := q.Enqueue(ctx, []byte("payload"), EnqueueOptions{
			MaxAttempts: 5,
			BaseDelay:   time.Millisecond,
		})
		Expect(err).ToNot(HaveOccurred())

		Eventually(completed(q), 5*time.Second).Should(Equal(1))
		Expect(atomic.LoadInt64(&attempts)).To(Equal(int64(3)))
	})

	It("should not retry an unrecoverable error", func() {
		q := manager.Queue("unrecoverable")
		var attempts int64
		q.RegisterWorker(func(_ context.Context, _ *Job) error {
			atomic.AddInt64(&attempts, 1)
			return NewUnrecoverableError(errors.New("semantic"))
		}, 1)
		_, err := q.Enqueue(ctx, []byte("payload"), EnqueueOptions{
			MaxAttempts: 5,
			BaseDelay:   time.Millisecond,
		})
		Expect(err).ToNot(HaveOccurred())

		Eventually(failed(q), 5*time.Second).Should(Equal(1))
		Expect(atomic.LoadInt64(&attempts)).To(Equal(int64(1)))
	})

	It("should treat a handler panic as a failure attempt", func() {
		q := manager.Queue("panics")
		var attempts int64
		q.RegisterWorker(func(_ context.Context, _ *Job) error {
			if atomic.AddInt64(&attempts, 1) == 1 {
				panic("boom")
			}
			return nil
		}, 1)
		_, err := q.Enqueue(ctx, []byte("payload"), EnqueueOptions{
			MaxAttempts: 2,
			BaseDelay:   time.Millisecond,
		})
		Expect(err).ToNot(HaveOccurred())

		Eventually(completed(q), 5*time.Second).Should(Equal(1))
		Expect(atomic.LoadInt64(&attempts)).To(Equal(int64(2)))
	})

	It("should bound handler concurrency", func() {
		q := manager.Queue("bounded")
		var inFlight, peak int64
		q.RegisterWorker(func(_ context.Context, _ *Job) error {
			n := atomic.AddInt64(&inFlight, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
			return nil
		}, 2)
		for i := 0; i < 8; i++ {
			_, err := q.Enqueue(ctx, []byte(fmt.Sprintf("%d", i)), EnqueueOptions{})
			Expect(err).ToNot(HaveOccurred())
		}
		Eventually(completed(q), 5*time.Second).Should(Equal(8))
		Expect(atomic.LoadInt64(&peak)).To(BeNumerically("<=", 2))
	})

	It("should fail a handler that overruns its lease", func() {
		q := manager.Queue("leases")
		q.SetLease(50 * time.Millisecond)
		q.RegisterWorker(func(ctx context.Context, _ *Job) error {
			<-ctx.Done()
			return ctx.Err()
		}, 1)
		_, err := q.Enqueue(ctx, []byte("payload"), EnqueueOptions{})
		Expect(err).ToNot(HaveOccurred())

		Eventually(failed(q), 5*time.Second).Should(Equal(1))
	})

	It("should publish completion and failure events", func() {
		q := manager.Queue("events")
		q.RegisterWorker(func(_ context.Context, job *Job) error {
			if string(job.Payload) == "bad" {
				return NewUnrecoverableError(errors.New("rejected"))
			}
			return nil
		}, 1)

		_, err := q.Enqueue(ctx, []byte("good"), EnqueueOptions{})
		Expect(err).ToNot(HaveOccurred())
		_, err = q.Enqueue(ctx, []byte("bad"), EnqueueOptions{})
		Expect(err).ToNot(HaveOccurred())

		kinds := map[EventKind]int{}
		for i := 0; i < 2; i++ {
			select {
			case event := <-q.Events():
				kinds[event.Kind]++
			case <-time.After(5 * time.Second):
				Fail("timed out waiting for events")
			}
		}
		Expect(kinds[EventCompleted]).To(Equal(1))
		Expect(kinds[EventFailed]).To(Equal(1))
	})

	It("should reject enqueues after close", func() {
		q := manager.Queue("closing")
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		Expect(manager.Close(closeCtx)).To(Succeed())
		_, err := q.Enqueue(ctx, []byte("payload"), EnqueueOptions{})
		Expect(err).To(MatchError(ErrClosed))
	})
})
