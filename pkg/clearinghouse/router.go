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

// Package clearinghouse validates inbound claims, resolves the payer, records
// the in-flight correlation state and dispatches to the payer queue with a
// priority derived from the billed amount.
package clearinghouse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/claimpipe/claimpipe/pkg/claims"
	"github.com/claimpipe/claimpipe/pkg/metrics"
	"github.com/claimpipe/claimpipe/pkg/payers"
	"github.com/claimpipe/claimpipe/pkg/queue"
	"github.com/claimpipe/claimpipe/pkg/store"
)

// Claims-to-payer retry policy and routing concurrency.
const (
	PayerMaxAttempts   = 3
	PayerBaseDelay     = time.Second
	DefaultConcurrency = 10
)

// Billed-amount thresholds for dispatch priority, in cents.
const (
	highPriorityCents   = 10_000_00
	mediumPriorityCents = 1_000_00
)

// PriorityFor maps a claim's total billed amount to a dispatch priority.
func PriorityFor(totalBilled claims.Cents) int {
	switch {
	case totalBilled > highPriorityCents:
		return queue.PriorityHigh
	case totalBilled > mediumPriorityCents:
		return queue.PriorityMedium
	default:
		return queue.PriorityNormal
	}
}

// Router is the claims queue handler.
type Router struct {
	registry *payers.Registry
	inFlight store.InFlightStore
	queues   *queue.Manager
	clock    clock.PassiveClock
	log      *zap.SugaredLogger
}

func NewRouter(registry *payers.Registry, inFlight store.InFlightStore, queues *queue.Manager,
	clk clock.PassiveClock, log *zap.SugaredLogger) *Router {

	return &Router{
		registry: registry,
		inFlight: inFlight,
		queues:   queues,
		clock:    clk,
		log:      log.Named("clearinghouse"),
	}
}

// Register attaches the router to the claims queue.
func (r *Router) Register(claimsQueue *queue.Queue, concurrency int) {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	claimsQueue.RegisterWorker(r.Handle, concurrency)
}

// Handle routes one claim: validate, resolve the payer, persist the
// correlation record, enqueue onto the payer queue. The correlation insert is
// the single synchronization point guaranteeing a remittance can be matched;
// on a retry after a partial failure the duplicate insert is treated as
// already-done and routing proceeds to the enqueue.
func (r *Router) Handle(ctx context.Context, job *queue.Job) error {
	msg := claims.ClaimMessage{}
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		metrics.Errors.WithLabelValues("clearinghouse").Inc()
		return queue.NewUnrecoverableError(fmt.Errorf("unmarshaling claim message, %w", err))
	}
	if err := msg.Claim.Validate(); err != nil {
		metrics.Errors.WithLabelValues("clearinghouse").Inc()
		return queue.NewUnrecoverableError(err)
	}

	config, usedFallback, ok := r.registry.Resolve(msg.Claim.Insurance.PayerID)
	if !ok {
		metrics.Errors.WithLabelValues("clearinghouse").Inc()
		unknownPayers.Inc()
		return queue.NewUnrecoverableError(
			claims.NewSchemaError(fmt.Errorf("unknown payer %q with no fallback configured", msg.Claim.Insurance.PayerID)))
	}
	if usedFallback {
		fallbackResolutions.Inc()
		r.log.Warnw("routing to fallback payer",
			"correlation", msg.CorrelationID, "requested", msg.Claim.Insurance.PayerID, "fallback", config.ID)
	}

	rec := &store.CorrelationRecord{
		CorrelationID: msg.CorrelationID,
		ClaimID:       msg.Claim.ClaimID,
		PatientID:     msg.Claim.Insurance.PatientMemberID,
		PayerID:       config.ID,
		IngestedAt:    msg.IngestedAt,
		SubmittedAt:   r.clock.Now(),
		Claim:         msg.Claim,
	}
	if err := r.inFlight.Insert(ctx, rec); err != nil && !errors.Is(err, store.ErrDuplicate) {
		metrics.Errors.WithLabelValues("clearinghouse").Inc()
		return fmt.Errorf("persisting correlation %q, %w", msg.CorrelationID, err)
	}

	priority := PriorityFor(msg.Claim.TotalBilledCents())
	if _, err := r.queues.Queue(config.QueueName()).Enqueue(ctx, job.Payload, queue.EnqueueOptions{
		Priority:    priority,
		MaxAttempts: PayerMaxAttempts,
		BaseDelay:   PayerBaseDelay,
	}); err != nil {
		metrics.Errors.WithLabelValues("clearinghouse").Inc()
		return fmt.Errorf("dispatching %q to %q, %w", msg.CorrelationID, config.QueueName(), err)
	}
	claimsRouted.WithLabelValues(string(config.ID)).Inc()
	r.log.Debugw("routed claim",
		"correlation", msg.CorrelationID, "payer", config.ID, "priority", priority)
	return nil
}
