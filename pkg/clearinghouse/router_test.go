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

package clearinghouse_test

import (
	"context"
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/claimpipe/claimpipe/pkg/claims"
	"github.com/claimpipe/claimpipe/pkg/clearinghouse"
	"github.com/claimpipe/claimpipe/pkg/payers"
	"github.com/claimpipe/claimpipe/pkg/queue"
	"github.com/claimpipe/claimpipe/pkg/store"
)

func testClaim(payer claims.PayerID, amount float64) claims.PayerClaim {
	return claims.PayerClaim{
		ClaimID:            "clm-1001",
		PlaceOfServiceCode: "11",
		Insurance: claims.Insurance{
			PayerID:         payer,
			PatientMemberID: "M123456",
		},
		Patient: claims.Patient{
			FirstName: "Ada", LastName: "Nguyen", Gender: "f", DOB: "1962-04-17",
		},
		Organization: claims.Organization{Name: "Lakeside Family Practice"},
		RenderingProvider: claims.RenderingProvider{
			FirstName: "Sam", LastName: "Okafor", NPI: "9876543210",
		},
		ServiceLines: []claims.ServiceLine{
			{ServiceLineID: "sl-1", ProcedureCode: "99213", Units: 1, UnitChargeAmount: amount},
		},
	}
}

func payload(msg claims.ClaimMessage) []byte {
	raw, err := json.Marshal(msg)
	Expect(err).ToNot(HaveOccurred())
	return raw
}

var _ = Describe("PriorityFor", func() {
	It("should map billed amounts to dispatch priorities", func() {
		Expect(clearinghouse.PriorityFor(claims.Cents(50_00))).To(Equal(queue.PriorityNormal))
		Expect(clearinghouse.PriorityFor(claims.Cents(1_000_00))).To(Equal(queue.PriorityNormal))
		Expect(clearinghouse.PriorityFor(claims.Cents(1_000_01))).To(Equal(queue.PriorityMedium))
		Expect(clearinghouse.PriorityFor(claims.Cents(10_000_00))).To(Equal(queue.PriorityMedium))
		Expect(clearinghouse.PriorityFor(claims.Cents(10_000_01))).To(Equal(queue.PriorityHigh))
	})
})

var _ = Describe("Router", func() {
	var (
		ctx      context.Context
		manager  *queue.Manager
		inFlight *store.MemoryInFlightStore
	)

	newRouter := func(configs []*payers.PayerConfig, fallback claims.PayerID) *clearinghouse.Router {
		registry, err := payers.NewRegistry(configs, fallback)
		Expect(err).ToNot(HaveOccurred())
		return clearinghouse.NewRouter(registry, inFlight, manager, clock.RealClock{}, zap.NewNop().Sugar())
	}

	reserveFrom := func(name string) *queue.Job {
		// Pull the routed job straight off the payer queue's worker path.
		jobs := make(chan *queue.Job, 1)
		manager.Queue(name).RegisterWorker(func(_ context.Context, job *queue.Job) error {
			jobs <- job
			return nil
		}, 1)
		select {
		case job := <-jobs:
			return job
		case <-time.After(5 * time.Second):
			Fail("timed out waiting for a routed job on " + name)
			return nil
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		manager = queue.NewManager(queue.NewMemoryBackend(), clock.RealClock{}, zap.NewNop().Sugar())
		inFlight = store.NewMemoryInFlightStore()
	})

	AfterEach(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		Expect(manager.Close(closeCtx)).To(Succeed())
	})

	It("should route a claim to its payer queue and track the correlation", func() {
		router := newRouter(payers.DefaultConfigs(), "")
		msg := claims.ClaimMessage{
			CorrelationID: "corr-1",
			Claim:         testClaim(claims.PayerMedicare, 100.00),
			IngestedAt:    time.Now(),
		}

		Expect(router.Handle(ctx, &queue.Job{Payload: payload(msg)})).To(Succeed())

		job := reserveFrom("payer-medicare")
		Expect(job.Priority).To(Equal(queue.PriorityNormal))
		Expect(job.MaxAttempts).To(Equal(clearinghouse.PayerMaxAttempts))

		routed := claims.ClaimMessage{}
		Expect(json.Unmarshal(job.Payload, &routed)).To(Succeed())
		Expect(routed.CorrelationID).To(Equal("corr-1"))

		rec, ok, err := inFlight.Take(ctx, "corr-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(rec.PatientID).To(Equal("M123456"))
		Expect(rec.PayerID).To(Equal(claims.PayerMedicare))
	})

	It("should dispatch expensive claims at high priority", func() {
		router := newRouter(payers.DefaultConfigs(), "")
		msg := claims.ClaimMessage{
			CorrelationID: "corr-big",
			Claim:         testClaim(claims.PayerAnthem, 15_000.00),
			IngestedAt:    time.Now(),
		}

		Expect(router.Handle(ctx, &queue.Job{Payload: payload(msg)})).To(Succeed())
		job := reserveFrom("payer-anthem")
		Expect(job.Priority).To(Equal(queue.PriorityHigh))
	})

	It("should fail malformed payloads terminally", func() {
		router := newRouter(payers.DefaultConfigs(), "")
		err := router.Handle(ctx, &queue.Job{Payload: []byte("not json")})
		Expect(err).To(HaveOccurred())
		Expect(queue.IsUnrecoverableError(err)).To(BeTrue())
	})

	It("should fail schema-invalid claims terminally", func() {
		router := newRouter(payers.DefaultConfigs(), "")
		claim := testClaim(claims.PayerMedicare, 100.00)
		claim.RenderingProvider.NPI = "123"
		msg := claims.ClaimMessage{CorrelationID: "corr-bad", Claim: claim}

		err := router.Handle(ctx, &queue.Job{Payload: payload(msg)})
		Expect(err).To(HaveOccurred())
		Expect(queue.IsUnrecoverableError(err)).To(BeTrue())
		Expect(claims.IsSchemaError(err)).To(BeTrue())
	})

	It("should reject an unregistered payer when no fallback is configured", func() {
		router := newRouter(payers.DefaultConfigs()[:1], "")
		msg := claims.ClaimMessage{
			CorrelationID: "corr-unroutable",
			Claim:         testClaim(claims.PayerAnthem, 100.00),
		}

		err := router.Handle(ctx, &queue.Job{Payload: payload(msg)})
		Expect(err).To(HaveOccurred())
		Expect(queue.IsUnrecoverableError(err)).To(BeTrue())
		Expect(claims.IsSchemaError(err)).To(BeTrue())
	})

	It("should route an unregistered payer to the fallback", func() {
		router := newRouter(payers.DefaultConfigs()[:1], claims.PayerMedicare)
		msg := claims.ClaimMessage{
			CorrelationID: "corr-fallback",
			Claim:         testClaim(claims.PayerAnthem, 100.00),
			IngestedAt:    time.Now(),
		}

		Expect(router.Handle(ctx, &queue.Job{Payload: payload(msg)})).To(Succeed())
		job := reserveFrom("payer-medicare")
		Expect(job).ToNot(BeNil())

		rec, ok, err := inFlight.Take(ctx, "corr-fallback")
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(rec.PayerID).To(Equal(claims.PayerMedicare))
	})

	It("should tolerate a duplicate correlation insert on replay", func() {
		router := newRouter(payers.DefaultConfigs(), "")
		msg := claims.ClaimMessage{
			CorrelationID: "corr-replay",
			Claim:         testClaim(claims.PayerMedicare, 100.00),
			IngestedAt:    time.Now(),
		}

		Expect(router.Handle(ctx, &queue.Job{Payload: payload(msg)})).To(Succeed())
		// A partial failure replays the same job; the insert is already done.
		Expect(router.Handle(ctx, &queue.Job{Payload: payload(msg)})).To(Succeed())

		_, ok, err := inFlight.Take(ctx, "corr-replay")
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeTrue())
	})
})
